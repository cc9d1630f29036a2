package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/propagate"
	"github.com/zlnvch/pixelround/store"
	"github.com/zlnvch/pixelround/worker"
)

type PlaceParams struct {
	Session models.Session
	X       int
	Y       int
	Color   string
}

// PlacePixel commits one pixel synchronously. Budget is taken before
// the occupancy insert and returned if the insert loses, so the ink
// spent always equals the pixels committed.
func (s *Service) PlacePixel(ctx context.Context, params PlaceParams) (models.Pixel, error) {
	pixel, err := s.preparePixel(ctx, params)
	if err != nil {
		return models.Pixel{}, err
	}

	placed, err := s.Store.PlacePixel(ctx, pixel)
	if err != nil {
		s.refundInk(params.Session.Id)
		return models.Pixel{}, err
	}
	if !placed {
		s.refundInk(params.Session.Id)
		return models.Pixel{}, ErrCellOccupied
	}

	// Async side-effects - return to caller as soon as the commit lands
	go func() {
		bg := context.Background()
		pixelBytes, _ := json.Marshal(pixel)
		if err := s.Cache.AddPixel(bg, pixel.Round, pixel.CellKey(), pixel.CreatedMs, pixelBytes); err != nil {
			log.Warn().Err(err).Str("cell", pixel.CellKey()).Msg("pixel cache add failed")
		}
		event := propagate.PixelPlacedEvent(pixel)
		if err := s.Cache.Publish(bg, cache.ChannelPixels, event.Marshal()); err != nil {
			log.Warn().Err(err).Str("cell", pixel.CellKey()).Msg("pixel publish failed")
		}
	}()

	return pixel, nil
}

// PlacePixelDeferred validates and consumes ink synchronously but hands
// the occupancy insert to the batcher. The returned pixel is optimistic:
// if the deferred insert loses the cell, the batcher refunds the ink and
// announces an erase for it.
func (s *Service) PlacePixelDeferred(ctx context.Context, params PlaceParams) (models.Pixel, error) {
	pixel, err := s.preparePixel(ctx, params)
	if err != nil {
		return models.Pixel{}, err
	}

	s.PixelBatcher.WriteCh <- worker.BatchedPixel{
		Pixel:     pixel,
		SessionId: params.Session.Id,
	}

	return pixel, nil
}

// preparePixel runs the shared front half of both place paths:
// validation, active-round lookup, lazy refill and the ink consume.
// On return the ink is spent and the pixel carries its round stamp.
func (s *Service) preparePixel(ctx context.Context, params PlaceParams) (models.Pixel, error) {
	if err := s.ValidatePlacement(params.X, params.Y, params.Color); err != nil {
		return models.Pixel{}, err
	}

	activeRound, err := s.activeRound(ctx)
	if err != nil {
		return models.Pixel{}, err
	}

	if err := s.refillIfStale(ctx, params.Session, activeRound.Number); err != nil {
		return models.Pixel{}, err
	}

	ok, err := s.Store.ConsumeInk(ctx, params.Session.Id, activeRound.Number, 1)
	if err != nil {
		return models.Pixel{}, err
	}
	if !ok {
		return models.Pixel{}, ErrOutOfInk
	}

	pixelUUID, err := uuid.NewV7()
	if err != nil {
		s.refundInk(params.Session.Id)
		return models.Pixel{}, err
	}

	return models.Pixel{
		Id:        pixelUUID.String(),
		X:         params.X,
		Y:         params.Y,
		Color:     params.Color,
		Owner:     params.Session.Id,
		Round:     activeRound.Number,
		CreatedMs: s.Clock.Now().UnixMilli(),
	}, nil
}

type EraseParams struct {
	Session models.Session
	X       int
	Y       int
}

// ErasePixel removes the pixel at a cell. Erasing is a wallet-holder
// capability; the gate runs before any budget is touched.
func (s *Service) ErasePixel(ctx context.Context, params EraseParams) (models.Pixel, error) {
	if err := s.ValidateCell(params.X, params.Y); err != nil {
		return models.Pixel{}, err
	}

	if !params.Session.HasWallet() {
		return models.Pixel{}, ErrWalletRequired
	}

	activeRound, err := s.activeRound(ctx)
	if err != nil {
		return models.Pixel{}, err
	}

	if err := s.refillIfStale(ctx, params.Session, activeRound.Number); err != nil {
		return models.Pixel{}, err
	}

	ok, err := s.Store.ConsumeEraser(ctx, params.Session.Id, activeRound.Number, 1)
	if err != nil {
		return models.Pixel{}, err
	}
	if !ok {
		return models.Pixel{}, ErrOutOfEraser
	}

	// Drop a matching pending write before it flushes; its ink comes
	// back through the batcher.
	s.PixelBatcher.CancelCh <- worker.CancelPixelRequest{
		Round:     activeRound.Number,
		CellKey:   models.CellKey(params.X, params.Y),
		SessionId: params.Session.Id,
	}

	removed, found, err := s.Store.ErasePixel(ctx, activeRound.Number, params.X, params.Y)
	if err != nil {
		s.refundEraser(params.Session.Id)
		return models.Pixel{}, err
	}
	if !found {
		s.refundEraser(params.Session.Id)
		return models.Pixel{}, ErrCellVacant
	}

	// Async side-effects - return to caller as soon as the store operation is done
	go func() {
		bg := context.Background()
		if err := s.Cache.RemovePixel(bg, removed.Round, removed.CellKey()); err != nil {
			log.Warn().Err(err).Str("cell", removed.CellKey()).Msg("pixel cache remove failed")
		}
		event := propagate.PixelErasedEvent(removed)
		if err := s.Cache.Publish(bg, cache.ChannelPixels, event.Marshal()); err != nil {
			log.Warn().Err(err).Str("cell", removed.CellKey()).Msg("erase publish failed")
		}
	}()

	return removed, nil
}

func (s *Service) activeRound(ctx context.Context) (models.Round, error) {
	activeRound, err := s.Rounds.Active(ctx)
	if errors.Is(err, store.ErrItemNotFound) {
		return models.Round{}, ErrNoActiveRound
	}
	if err != nil {
		return models.Round{}, err
	}
	if !activeRound.IsActive(s.Clock.Now().UnixMilli()) {
		return models.Round{}, ErrNoActiveRound
	}
	return activeRound, nil
}

func (s *Service) refundInk(sessionId string) {
	ctx := context.Background()
	if err := s.Store.RefundInk(ctx, sessionId, 1); err != nil {
		log.Error().Err(err).Str("session", sessionId).Msg("ink refund failed")
	}
}

func (s *Service) refundEraser(sessionId string) {
	ctx := context.Background()
	if err := s.Store.RefundEraser(ctx, sessionId, 1); err != nil {
		log.Error().Err(err).Str("session", sessionId).Msg("eraser refund failed")
	}
}
