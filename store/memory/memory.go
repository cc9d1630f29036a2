package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/store"
)

// MemoryCanvasStore is the zero-infrastructure storage strategy: one
// mutex serializes every mutating operation, which trivially satisfies
// the conditional-write contract. It backs local mode and the
// conformance suite.
type MemoryCanvasStore struct {
	mu sync.Mutex

	sessionsByKey map[string]string // "addr#wallet" -> session id
	sessions      map[string]models.Session

	pixelsByCell map[int64]map[string]models.Pixel // round -> cell key -> pixel
	pixelOrder   map[int64][]string                // round -> cell keys in insertion order

	round    models.Round
	hasRound bool

	chat []models.ChatMessage
}

func NewMemoryCanvasStore() *MemoryCanvasStore {
	return &MemoryCanvasStore{
		sessionsByKey: make(map[string]string),
		sessions:      make(map[string]models.Session),
		pixelsByCell:  make(map[int64]map[string]models.Pixel),
		pixelOrder:    make(map[int64][]string),
	}
}

func sessionKey(networkAddress, walletAddress string) string {
	return networkAddress + "#" + walletAddress
}

func (m *MemoryCanvasStore) GetOrCreateSession(ctx context.Context, networkAddress, walletAddress string, maxInk int) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(networkAddress, walletAddress)
	if id, ok := m.sessionsByKey[key]; ok {
		return m.sessions[id], nil
	}

	sessionId, err := uuid.NewV4()
	if err != nil {
		return models.Session{}, err
	}

	session := models.Session{
		Id:             sessionId.String(),
		NetworkAddress: networkAddress,
		WalletAddress:  walletAddress,
		Ink:            maxInk,
		Eraser:         0,
		CreatedMs:      time.Now().UnixMilli(),
	}
	m.sessionsByKey[key] = session.Id
	m.sessions[session.Id] = session
	return session, nil
}

func (m *MemoryCanvasStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return models.Session{}, store.ErrItemNotFound
	}
	return session, nil
}

func (m *MemoryCanvasStore) RefillSession(ctx context.Context, id string, round int64, ink, eraser int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return store.ErrItemNotFound
	}
	if session.RefillRound >= round {
		return store.ErrConditionFailed
	}
	session.Ink = ink
	session.Eraser = eraser
	session.RefillRound = round
	m.sessions[id] = session
	return nil
}

func (m *MemoryCanvasStore) ConsumeInk(ctx context.Context, id string, round int64, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return false, store.ErrItemNotFound
	}
	if session.RefillRound != round || session.Ink < n {
		return false, nil
	}
	session.Ink -= n
	m.sessions[id] = session
	return true, nil
}

func (m *MemoryCanvasStore) ConsumeEraser(ctx context.Context, id string, round int64, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return false, store.ErrItemNotFound
	}
	if session.RefillRound != round || session.Eraser < n {
		return false, nil
	}
	session.Eraser -= n
	m.sessions[id] = session
	return true, nil
}

func (m *MemoryCanvasStore) RefundInk(ctx context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return store.ErrItemNotFound
	}
	session.Ink += n
	m.sessions[id] = session
	return nil
}

func (m *MemoryCanvasStore) RefundEraser(ctx context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return store.ErrItemNotFound
	}
	session.Eraser += n
	m.sessions[id] = session
	return nil
}

func (m *MemoryCanvasStore) PlacePixel(ctx context.Context, pixel models.Pixel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cells, ok := m.pixelsByCell[pixel.Round]
	if !ok {
		cells = make(map[string]models.Pixel)
		m.pixelsByCell[pixel.Round] = cells
	}

	key := pixel.CellKey()
	if _, occupied := cells[key]; occupied {
		return false, nil
	}

	cells[key] = pixel
	m.pixelOrder[pixel.Round] = append(m.pixelOrder[pixel.Round], key)
	return true, nil
}

func (m *MemoryCanvasStore) ErasePixel(ctx context.Context, round int64, x, y int) (models.Pixel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cells, ok := m.pixelsByCell[round]
	if !ok {
		return models.Pixel{}, false, nil
	}

	key := models.CellKey(x, y)
	pixel, occupied := cells[key]
	if !occupied {
		return models.Pixel{}, false, nil
	}

	delete(cells, key)
	order := m.pixelOrder[round]
	for i, k := range order {
		if k == key {
			m.pixelOrder[round] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return pixel, true, nil
}

func (m *MemoryCanvasStore) ListPixels(ctx context.Context, round int64) ([]models.Pixel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cells := m.pixelsByCell[round]
	order := m.pixelOrder[round]
	pixels := make([]models.Pixel, 0, len(order))
	for _, key := range order {
		if pixel, ok := cells[key]; ok {
			pixels = append(pixels, pixel)
		}
	}
	return pixels, nil
}

func (m *MemoryCanvasStore) PurgePixels(ctx context.Context, round int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pixelsByCell, round)
	delete(m.pixelOrder, round)
	return nil
}

func (m *MemoryCanvasStore) ActiveRound(ctx context.Context) (models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasRound {
		return models.Round{}, store.ErrItemNotFound
	}
	return m.round, nil
}

func (m *MemoryCanvasStore) AdvanceRound(ctx context.Context, from int64, next models.Round) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasRound && m.round.Number != from {
		return false, nil
	}
	if !m.hasRound && from != 0 {
		return false, nil
	}
	m.round = next
	m.hasRound = true
	return true, nil
}

func (m *MemoryCanvasStore) InsertChat(ctx context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chat = append(m.chat, msg)
	return nil
}

func (m *MemoryCanvasStore) ListChat(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.chat) {
		limit = len(m.chat)
	}
	out := make([]models.ChatMessage, limit)
	copy(out, m.chat[len(m.chat)-limit:])
	return out, nil
}
