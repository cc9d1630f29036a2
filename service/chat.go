package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/propagate"
)

type ChatParams struct {
	Session  models.Session
	Username string
	Content  string
}

// SendChatMessage validates, rate limits per network address, persists
// and broadcasts one chat message. Chat ignores round boundaries.
func (s *Service) SendChatMessage(ctx context.Context, params ChatParams) (models.ChatMessage, error) {
	content, err := s.ValidateChatContent(params.Content)
	if err != nil {
		return models.ChatMessage{}, err
	}

	allowed, err := s.reserveChatSlot(ctx, params.Session.NetworkAddress)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if !allowed {
		return models.ChatMessage{}, ErrChatRateLimited
	}

	msgUUID, err := uuid.NewV7()
	if err != nil {
		return models.ChatMessage{}, err
	}

	msg := models.ChatMessage{
		Id:             msgUUID.String(),
		Username:       params.Username,
		Content:        content,
		NetworkAddress: params.Session.NetworkAddress,
		CreatedMs:      s.Clock.Now().UnixMilli(),
	}

	if err := s.Store.InsertChat(ctx, msg); err != nil {
		return models.ChatMessage{}, err
	}

	// Async side-effects - return to caller as soon as the store operation is done
	go func() {
		bg := context.Background()
		msgBytes, _ := json.Marshal(msg)
		if err := s.Cache.AddChat(bg, msgBytes); err != nil {
			log.Warn().Err(err).Msg("chat cache add failed")
		}
		event := propagate.ChatEvent(msg)
		if err := s.Cache.Publish(bg, cache.ChannelChat, event.Marshal()); err != nil {
			log.Warn().Err(err).Msg("chat publish failed")
		}
	}()

	return msg, nil
}

// GetRecentChat returns the latest messages in chronological order,
// cache first with a store fallback.
func (s *Service) GetRecentChat(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	cachedRaw, err := s.Cache.GetRecentChat(ctx, limit)
	if err == nil && len(cachedRaw) > 0 {
		messages := make([]models.ChatMessage, 0, len(cachedRaw))
		for _, b := range cachedRaw {
			var m models.ChatMessage
			if err := json.Unmarshal(b, &m); err == nil {
				messages = append(messages, m)
			}
		}
		return messages, nil
	}

	return s.Store.ListChat(ctx, limit)
}

// reserveChatSlot arbitrates the per-address minimum gap in the cache
// so the limit holds across instances. When the cache is unreachable,
// a local limiter keeps the gap on this instance instead of letting
// chat go unthrottled.
func (s *Service) reserveChatSlot(ctx context.Context, networkAddress string) (bool, error) {
	allowed, err := s.Cache.ReserveChatSlot(ctx, networkAddress, s.Limits.ChatMinGap.Milliseconds())
	if err == nil {
		return allowed, nil
	}
	if errors.Is(err, context.Canceled) {
		return false, err
	}

	log.Warn().Err(err).Msg("chat slot cache unavailable, using local limiter")

	s.limiterMu.Lock()
	limiter, ok := s.chatLimiters[networkAddress]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.Limits.ChatMinGap), 1)
		s.chatLimiters[networkAddress] = limiter
	}
	s.limiterMu.Unlock()

	return limiter.Allow(), nil
}
