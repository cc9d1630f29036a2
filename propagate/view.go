package propagate

import (
	"sync"

	"github.com/zlnvch/pixelround/models"
)

// CanvasView is a client-side materialization of one round's canvas.
// Apply is idempotent so the same feed event can be delivered more than
// once (push redelivery, poll resync after fallback) without corrupting
// the view. It also supports optimistic local placement: Speculate
// paints the cell immediately and Confirm/Rollback settle the outcome
// once the authoritative write resolves.
type CanvasView struct {
	mu     sync.Mutex
	round  int64
	cells  map[string]models.Pixel
	shadow map[string]speculation
}

type speculation struct {
	prior    models.Pixel
	hadPrior bool
}

func NewCanvasView(round int64) *CanvasView {
	return &CanvasView{
		round:  round,
		cells:  make(map[string]models.Pixel),
		shadow: make(map[string]speculation),
	}
}

// Apply folds one feed event into the view. Events for other rounds are
// ignored, a round_changed event resets the view to the new round's
// empty canvas.
func (v *CanvasView) Apply(event Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch event.Type {
	case EventRoundChanged:
		if event.Round != nil && event.Round.Number != v.round {
			v.round = event.Round.Number
			v.cells = make(map[string]models.Pixel)
			v.shadow = make(map[string]speculation)
		}
	case EventPixelPlaced:
		if event.Pixel == nil || event.Pixel.Round != v.round {
			return
		}
		key := event.Pixel.CellKey()
		if _, pending := v.shadow[key]; pending {
			// A confirmed write for a speculated cell settles it. This
			// must happen even when the cell already shows the same
			// pixel, which is exactly the case for one's own
			// speculated write coming back over the feed.
			delete(v.shadow, key)
		}
		if existing, ok := v.cells[key]; ok && existing.Id == event.Pixel.Id {
			return
		}
		v.cells[key] = *event.Pixel
	case EventPixelErased:
		if event.Pixel == nil || event.Pixel.Round != v.round {
			return
		}
		delete(v.cells, event.Pixel.CellKey())
	}
}

// Speculate paints a cell before the authoritative write commits. The
// prior cell state is shadowed so Rollback can restore it exactly.
// Returns false when the cell is already occupied or already pending.
func (v *CanvasView) Speculate(pixel models.Pixel) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pixel.Round != v.round {
		return false
	}
	key := pixel.CellKey()
	if _, pending := v.shadow[key]; pending {
		return false
	}
	prior, hadPrior := v.cells[key]
	if hadPrior {
		return false
	}
	v.shadow[key] = speculation{prior: prior, hadPrior: hadPrior}
	v.cells[key] = pixel
	return true
}

// Confirm settles a speculated cell as committed.
func (v *CanvasView) Confirm(cellKey string) {
	v.mu.Lock()
	delete(v.shadow, cellKey)
	v.mu.Unlock()
}

// Rollback restores the exact pre-speculation state of a cell after the
// authoritative write was rejected.
func (v *CanvasView) Rollback(cellKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.shadow[cellKey]
	if !ok {
		return
	}
	delete(v.shadow, cellKey)
	if s.hadPrior {
		v.cells[cellKey] = s.prior
	} else {
		delete(v.cells, cellKey)
	}
}

// Pixels returns the current cells in no particular order.
func (v *CanvasView) Pixels() []models.Pixel {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]models.Pixel, 0, len(v.cells))
	for _, p := range v.cells {
		out = append(out, p)
	}
	return out
}

// Round returns the round the view currently tracks.
func (v *CanvasView) Round() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.round
}
