package models

import "strconv"

// Pixel is one occupied cell on the canvas. A pixel is live only while
// its Round matches the active round; round transitions retire pixels
// without touching their rows, physical deletion happens later.
type Pixel struct {
	Id        string `json:"id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	Owner     string `json:"owner"`
	Round     int64  `json:"round"`
	CreatedMs int64  `json:"createdMs"`
}

// CellKey identifies a pixel's position, the uniqueness key within a round.
func (p Pixel) CellKey() string {
	return CellKey(p.X, p.Y)
}

func CellKey(x, y int) string {
	return strconv.Itoa(x) + ":" + strconv.Itoa(y)
}

// Session is the durable per-participant ledger entry, keyed by
// (NetworkAddress, WalletAddress). Ink and Eraser are the stored
// budgets as of RefillRound; a session whose RefillRound is behind the
// active round presents full budgets until its first consume refills it.
type Session struct {
	Id             string `json:"id"`
	NetworkAddress string `json:"networkAddress"`
	WalletAddress  string `json:"walletAddress,omitempty"`
	Ink            int    `json:"ink"`
	Eraser         int    `json:"eraser"`
	RefillRound    int64  `json:"refillRound"`
	CreatedMs      int64  `json:"createdMs"`
}

func (s Session) HasWallet() bool {
	return s.WalletAddress != ""
}

// EffectiveBudgets returns the budgets the session holds in the given
// round, accounting for the lazy refill. Eraser budget exists only for
// wallet-bearing sessions.
func (s Session) EffectiveBudgets(round int64, maxInk, maxEraser int) (ink, eraser int) {
	if s.RefillRound < round {
		if s.HasWallet() {
			return maxInk, maxEraser
		}
		return maxInk, 0
	}
	return s.Ink, s.Eraser
}

// Round is one canvas window. The zero Round means no round is active
// and all writes are rejected.
type Round struct {
	Number  int64 `json:"number"`
	StartMs int64 `json:"startMs"`
	EndMs   int64 `json:"endMs"`
}

func (r Round) IsZero() bool {
	return r.StartMs == 0 && r.EndMs == 0
}

func (r Round) IsActive(nowMs int64) bool {
	return !r.IsZero() && nowMs >= r.StartMs && nowMs < r.EndMs
}

type ChatMessage struct {
	Id             string `json:"id"`
	Username       string `json:"username"`
	Content        string `json:"content"`
	NetworkAddress string `json:"-"`
	CreatedMs      int64  `json:"createdMs"`
}
