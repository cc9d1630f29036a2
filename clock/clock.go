package clock

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/models"
)

// Synchronizer answers "what time is it" for round derivation. It never
// fails the caller and never blocks beyond the fetch timeout: when the
// trusted source is unreachable the local clock answers instead.
type Synchronizer interface {
	Now() time.Time
}

// Local answers with the process clock. It is the fallback inside
// Synced and the whole strategy when no time source is configured.
type Local struct {
	clock clockwork.Clock
}

func NewLocal(clk clockwork.Clock) *Local {
	return &Local{clock: clk}
}

func (l *Local) Now() time.Time {
	return l.clock.Now()
}

// timeSourceResponse matches the worldtimeapi response shape. Either
// field is accepted.
type timeSourceResponse struct {
	UTCDateTime string `json:"utc_datetime"`
	UnixTime    int64  `json:"unixtime"`
}

// Synced corrects the local clock by an offset measured against a
// trusted HTTP time source. The offset is fetched at most once per TTL;
// between fetches Now() is a pure local computation.
type Synced struct {
	clock        clockwork.Clock
	client       *http.Client
	url          string
	offsetTTL    time.Duration
	fetchTimeout time.Duration

	mu          sync.Mutex
	offset      time.Duration
	offsetGood  bool
	fetchedAt   time.Time
	lastFailure time.Time
}

const failureBackoff = 15 * time.Second

func NewSynced(clk clockwork.Clock, url string, offsetTTL, fetchTimeout time.Duration) *Synced {
	return &Synced{
		clock:        clk,
		client:       &http.Client{Timeout: fetchTimeout},
		url:          url,
		offsetTTL:    offsetTTL,
		fetchTimeout: fetchTimeout,
	}
}

func (s *Synced) Now() time.Time {
	local := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offsetGood && local.Sub(s.fetchedAt) < s.offsetTTL {
		return local.Add(s.offset)
	}

	// Avoid hammering a down time source on every Now() call.
	if !s.lastFailure.IsZero() && local.Sub(s.lastFailure) < failureBackoff {
		if s.offsetGood {
			return local.Add(s.offset)
		}
		return local
	}

	offset, err := s.fetchOffset()
	if err != nil {
		log.Warn().Err(err).Str("url", s.url).Msg("time source fetch failed, using local clock")
		s.lastFailure = s.clock.Now()
		if s.offsetGood {
			return local.Add(s.offset)
		}
		return local
	}

	s.offset = offset
	s.offsetGood = true
	s.fetchedAt = s.clock.Now()
	s.lastFailure = time.Time{}
	return s.clock.Now().Add(s.offset)
}

// fetchOffset measures authoritative − local, crediting the source
// response as having been produced mid round-trip.
func (s *Synced) fetchOffset() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}

	sentAt := s.clock.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	receivedAt := s.clock.Now()

	var body timeSourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}

	var authoritative time.Time
	if body.UTCDateTime != "" {
		authoritative, err = time.Parse(time.RFC3339Nano, body.UTCDateTime)
		if err != nil {
			return 0, err
		}
	} else {
		authoritative = time.Unix(body.UnixTime, 0)
	}

	rtt := receivedAt.Sub(sentAt)
	offset := authoritative.Sub(receivedAt) + rtt/2
	log.Debug().Dur("offset", offset).Dur("rtt", rtt).Msg("time source offset refreshed")
	return offset, nil
}

// RoundAt derives round identity purely from time: every observer with
// a synchronized clock computes the same round with no coordination.
func RoundAt(now time.Time, duration time.Duration) models.Round {
	durMs := duration.Milliseconds()
	number := now.UnixMilli() / durMs
	return models.Round{
		Number:  number,
		StartMs: number * durMs,
		EndMs:   (number + 1) * durMs,
	}
}
