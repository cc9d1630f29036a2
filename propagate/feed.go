package propagate

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zlnvch/pixelround/models"
)

// Event types carried on every transport strategy. The wire format is
// shared between the cache pub/sub channels, the websocket hub and the
// poll synthesizer so that subscribers cannot tell strategies apart.
const (
	EventPixelPlaced  = "pixel_placed"
	EventPixelErased  = "pixel_erased"
	EventChatMessage  = "chat_message"
	EventRoundChanged = "round_changed"
)

type Event struct {
	Type  string              `json:"type"`
	Pixel *models.Pixel       `json:"pixel,omitempty"`
	Chat  *models.ChatMessage `json:"chat,omitempty"`
	Round *models.Round       `json:"round,omitempty"`
}

// Key identifies the entity an event concerns, used by the poll
// strategy to diff snapshots and by consumers to deduplicate.
func (e Event) Key() string {
	switch {
	case e.Pixel != nil:
		return e.Pixel.CellKey()
	case e.Chat != nil:
		return e.Chat.Id
	case e.Round != nil:
		return "round:" + strconv.FormatInt(e.Round.Number, 10)
	}
	return ""
}

func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

func PixelPlacedEvent(p models.Pixel) Event {
	return Event{Type: EventPixelPlaced, Pixel: &p}
}

func PixelErasedEvent(p models.Pixel) Event {
	return Event{Type: EventPixelErased, Pixel: &p}
}

func ChatEvent(m models.ChatMessage) Event {
	return Event{Type: EventChatMessage, Chat: &m}
}

func RoundChangedEvent(r models.Round) Event {
	return Event{Type: EventRoundChanged, Round: &r}
}

// Handle identifies one subscription for Unsubscribe.
type Handle uint64

// Feed is one observed entity stream. The three strategies (push, poll,
// deterministic) implement it interchangeably: a subscriber sees the
// same eventual callback sequence, modulo latency and idempotent-safe
// duplicates.
type Feed interface {
	Subscribe(callback func(Event)) (Handle, error)
	Unsubscribe(handle Handle)
}

// subscribers is the registry shared by all feed implementations.
type subscribers struct {
	mu   sync.RWMutex
	next atomic.Uint64
	subs map[Handle]func(Event)
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[Handle]func(Event))}
}

func (s *subscribers) add(callback func(Event)) Handle {
	handle := Handle(s.next.Add(1))
	s.mu.Lock()
	s.subs[handle] = callback
	s.mu.Unlock()
	return handle
}

func (s *subscribers) remove(handle Handle) {
	s.mu.Lock()
	delete(s.subs, handle)
	s.mu.Unlock()
}

func (s *subscribers) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *subscribers) broadcast(event Event) {
	s.mu.RLock()
	callbacks := make([]func(Event), 0, len(s.subs))
	for _, cb := range s.subs {
		callbacks = append(callbacks, cb)
	}
	s.mu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}
}
