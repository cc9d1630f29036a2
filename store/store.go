package store

import (
	"context"
	"errors"

	"github.com/zlnvch/pixelround/models"
)

// CanvasStore is the persistence contract shared by every storage
// strategy (memory, dynamo, postgres). Every operation whose English
// name sounds atomic IS atomic at the storage engine: occupancy insert,
// budget consume and round advance are conditional writes, never
// read-then-write from the caller's side.
type CanvasStore interface {
	// GetOrCreateSession returns the session for (networkAddress,
	// walletAddress), creating it with ink = maxInk and eraser = 0 on
	// first contact. Concurrent first contacts resolve to one row.
	GetOrCreateSession(ctx context.Context, networkAddress, walletAddress string, maxInk int) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)

	// RefillSession sets ink (and eraser, wallet sessions only) and
	// stamps refill_round, guarded by refill_round < round so that
	// concurrent refills for the same round apply once. Returns
	// ErrConditionFailed when the session is already current.
	RefillSession(ctx context.Context, id string, round int64, ink, eraser int) error

	// ConsumeInk decrements ink by n iff ink >= n and the session's
	// refill_round equals round. Returns false without mutation when
	// the budget is short ("out of ink" is an outcome, not an error).
	ConsumeInk(ctx context.Context, id string, round int64, n int) (bool, error)
	ConsumeEraser(ctx context.Context, id string, round int64, n int) (bool, error)

	// RefundInk returns budget taken for pixels that did not commit.
	RefundInk(ctx context.Context, id string, n int) error
	RefundEraser(ctx context.Context, id string, n int) error

	// PlacePixel inserts iff the cell is vacant within the pixel's
	// round. Returns false without mutation when occupied.
	PlacePixel(ctx context.Context, pixel models.Pixel) (bool, error)

	// ErasePixel removes the cell's entry iff it is occupied and owned
	// by the given round. Returns the removed pixel on success.
	ErasePixel(ctx context.Context, round int64, x, y int) (models.Pixel, bool, error)

	// ListPixels returns the live pixels of the round in insertion order.
	ListPixels(ctx context.Context, round int64) ([]models.Pixel, error)

	// PurgePixels physically deletes the pixel rows of a retired round.
	// Called only from the purge worker; liveness is already governed
	// by round stamps, so timing here is not correctness-critical.
	PurgePixels(ctx context.Context, round int64) error

	// ActiveRound returns the current round row, or ErrItemNotFound
	// when no round has ever been started.
	ActiveRound(ctx context.Context) (models.Round, error)

	// AdvanceRound installs next iff the current round number is still
	// from (from = 0 bootstraps the row). Exactly one concurrent caller
	// wins; losers get false without mutation.
	AdvanceRound(ctx context.Context, from int64, next models.Round) (bool, error)

	InsertChat(ctx context.Context, msg models.ChatMessage) error
	ListChat(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
