package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/store"
)

// GameState is the single snapshot a client needs to join: the active
// round, the server's notion of now for countdown rendering, the grid
// dimensions and the caller's remaining budgets.
type GameState struct {
	Round      models.Round `json:"round"`
	NowMs      int64        `json:"nowMs"`
	GridWidth  int          `json:"gridWidth"`
	GridHeight int          `json:"gridHeight"`
	Ink        int          `json:"ink"`
	Eraser     int          `json:"eraser"`
}

func (s *Service) GetGameState(ctx context.Context, session models.Session) (GameState, error) {
	state := GameState{
		NowMs:      s.Clock.Now().UnixMilli(),
		GridWidth:  s.Limits.GridWidth,
		GridHeight: s.Limits.GridHeight,
	}

	activeRound, err := s.Rounds.Active(ctx)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return GameState{}, err
	}
	state.Round = activeRound

	// Budgets resolved against the active round, not the stored row
	current, err := s.Store.GetSession(ctx, session.Id)
	if err != nil {
		return GameState{}, err
	}
	state.Ink, state.Eraser = current.EffectiveBudgets(activeRound.Number, s.Limits.MaxInk, s.Limits.MaxEraser)

	return state, nil
}

// GetPixels returns the active round's canvas, cache first. A cold or
// incomplete cache falls back to the store and backfills, so the next
// reader is served from memory.
func (s *Service) GetPixels(ctx context.Context) ([]models.Pixel, error) {
	activeRound, err := s.activeRound(ctx)
	if errors.Is(err, ErrNoActiveRound) {
		return []models.Pixel{}, nil
	}
	if err != nil {
		return nil, err
	}

	cachedRaw, cacheErr := s.Cache.GetPixels(ctx, activeRound.Number)
	cached := make([]models.Pixel, 0, len(cachedRaw))
	if cacheErr == nil {
		for _, b := range cachedRaw {
			var p models.Pixel
			if err := json.Unmarshal(b, &p); err == nil {
				cached = append(cached, p)
			}
		}
	}

	isComplete, _ := s.Cache.IsCanvasComplete(ctx, activeRound.Number)
	if isComplete && cacheErr == nil {
		return cached, nil
	}

	// Fallback to the store and rebuild the cache
	stored, err := s.Store.ListPixels(ctx, activeRound.Number)
	if err != nil {
		return nil, err
	}

	batchItems := make([]cache.PixelCacheItem, 0, len(stored))
	for _, p := range stored {
		pBytes, _ := json.Marshal(p)
		batchItems = append(batchItems, cache.PixelCacheItem{
			CellKey: p.CellKey(),
			Score:   p.CreatedMs,
			Data:    pBytes,
		})
	}

	if len(batchItems) > 0 {
		if err := s.Cache.AddPixelsBatch(ctx, activeRound.Number, batchItems); err != nil {
			log.Warn().Err(err).Int64("round", activeRound.Number).Msg("canvas backfill failed")
		}
	}
	// Mark as complete even if currently empty
	if err := s.Cache.SetCanvasComplete(ctx, activeRound.Number); err != nil {
		log.Warn().Err(err).Int64("round", activeRound.Number).Msg("canvas complete mark failed")
	}

	return mergePixels(stored, cached), nil
}

// ManualReset ends the current round immediately. Unavailable when
// rounds are derived from the clock.
func (s *Service) ManualReset(ctx context.Context) (models.Round, error) {
	return s.Rounds.Force(ctx)
}

// mergePixels combines the store's pixels with any cache entries that
// landed after the store read, keyed by cell. The store result wins
// ties because it is authoritative for occupancy.
func mergePixels(stored, cached []models.Pixel) []models.Pixel {
	seen := make(map[string]bool, len(stored))
	merged := make([]models.Pixel, 0, len(stored)+len(cached))
	for _, p := range stored {
		seen[p.CellKey()] = true
		merged = append(merged, p)
	}
	for _, p := range cached {
		if !seen[p.CellKey()] {
			merged = append(merged, p)
		}
	}
	return merged
}
