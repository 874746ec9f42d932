package execution

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps for order state changes
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is advanced explicitly, one bar at a time in backtests.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock creates a clock stopped at t
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// IDGenerator issues identifiers for orders, fills and trades
type IDGenerator interface {
	NewID() string
}

// RandomIDs issues random UUIDs
type RandomIDs struct{}

func (RandomIDs) NewID() string { return uuid.New().String() }

// SequentialIDs issues name-based UUIDs derived from a seed and a counter,
// so a replay of the same run produces the same identifiers.
type SequentialIDs struct {
	mu    sync.Mutex
	space uuid.UUID
	seq   uint64
}

// NewSequentialIDs creates a deterministic generator for the given seed
func NewSequentialIDs(seed string) *SequentialIDs {
	return &SequentialIDs{space: uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))}
}

func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	g.seq++
	n := g.seq
	g.mu.Unlock()
	return uuid.NewSHA1(g.space, []byte(strconv.FormatUint(n, 10))).String()
}
