package service

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/clock"
	"github.com/zlnvch/pixelround/mq"
	"github.com/zlnvch/pixelround/round"
	"github.com/zlnvch/pixelround/store"
	"github.com/zlnvch/pixelround/worker"
)

// Outcomes a well-behaved client can trigger. Handlers map these to
// client errors; anything else is a server fault.
var (
	ErrOutOfBounds     = errors.New("cell is outside the canvas")
	ErrInvalidColor    = errors.New("color must be a #RRGGBB hex value")
	ErrNoActiveRound   = errors.New("no round is currently active")
	ErrOutOfInk        = errors.New("ink budget exhausted for this round")
	ErrOutOfEraser     = errors.New("eraser budget exhausted for this round")
	ErrCellOccupied    = errors.New("cell is already occupied this round")
	ErrCellVacant      = errors.New("cell has no pixel to erase")
	ErrWalletRequired  = errors.New("erasing requires a wallet-linked session")
	ErrChatEmpty       = errors.New("chat message is empty")
	ErrChatTooLong     = errors.New("chat message is too long")
	ErrChatRateLimited = errors.New("chat slot not available yet")
)

// Limits carries the tunables the service enforces per request.
type Limits struct {
	GridWidth     int
	GridHeight    int
	MaxInk        int
	MaxEraser     int
	ChatMaxLength int
	ChatMinGap    time.Duration
}

type Service struct {
	Store        store.CanvasStore
	Cache        cache.CanvasCache
	MQ           mq.MessageQueue
	PixelBatcher *worker.PixelBatcher
	Rounds       *round.Controller
	Clock        clock.Synchronizer
	Limits       Limits
	JWTSecret    []byte

	// Local fallback chat limiters, used only when the cache cannot
	// arbitrate the slot. Per network address.
	limiterMu    sync.Mutex
	chatLimiters map[string]*rate.Limiter
}

func NewService(
	canvasStore store.CanvasStore,
	canvasCache cache.CanvasCache,
	purgeQueue mq.MessageQueue,
	pixelBatcher *worker.PixelBatcher,
	rounds *round.Controller,
	synchronizer clock.Synchronizer,
	limits Limits,
	jwtSecret []byte,
) *Service {
	return &Service{
		Store:        canvasStore,
		Cache:        canvasCache,
		MQ:           purgeQueue,
		PixelBatcher: pixelBatcher,
		Rounds:       rounds,
		Clock:        synchronizer,
		Limits:       limits,
		JWTSecret:    jwtSecret,
		chatLimiters: make(map[string]*rate.Limiter),
	}
}
