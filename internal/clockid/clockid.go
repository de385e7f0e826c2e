// Package clockid provides the monotonic clock and ID generation used
// throughout the bot (spec §4.1). All randomness for jitter is drawn from a
// single injectable source so tests stay deterministic.
package clockid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Clock abstracts "now" so strategies and the pipeline can be tested with a
// fake clock instead of wall time.
type Clock interface {
	Now() time.Time
	// NowSeconds returns monotonic seconds since the epoch as a decimal,
	// matching the spec's "seconds since the monotonic epoch" timestamp unit.
	NowSeconds() decimal.Decimal
}

// SystemClock is the production Clock backed by time.Now().
type SystemClock struct{}

// NewSystemClock returns the production clock.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time { return time.Now() }

// processStart anchors NowSeconds: the wall clock is read once, and later
// readings add the monotonic time elapsed since then.
var processStart = time.Now()

func (SystemClock) NowSeconds() decimal.Decimal {
	nanos := processStart.UnixNano() + int64(time.Since(processStart))
	return decimal.New(nanos, -9)
}

// FakeClock is a manually-advanced clock for deterministic tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock fixed at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) NowSeconds() decimal.Decimal {
	return decimal.NewFromFloat(float64(f.Now().UnixNano()) / 1e9)
}

// Advance moves the fake clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// IDs generates UUIDs. It exists as an interface (rather than a bare
// package function) so components can be constructed with a deterministic
// generator in tests.
type IDs interface {
	NewUUID() string
}

// UUIDGenerator is the production ID generator.
type UUIDGenerator struct{}

// NewUUIDGenerator returns the production generator.
func NewUUIDGenerator() UUIDGenerator { return UUIDGenerator{} }

func (UUIDGenerator) NewUUID() string { return uuid.NewString() }

// SeqGenerator produces deterministic, incrementing IDs for tests.
type SeqGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int64
}

// NewSeqGenerator creates a deterministic ID generator for tests.
func NewSeqGenerator(prefix string) *SeqGenerator {
	return &SeqGenerator{prefix: prefix}
}

func (g *SeqGenerator) NewUUID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.prefix + "-" + decimal.NewFromInt(g.next).String()
}

// JitterSource is the single injectable randomness source for backoff
// jitter across the outbox worker, reconciler reconnect loop, and market feed.
type JitterSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewJitterSource creates a jitter source seeded from the given seed. Tests
// pass a fixed seed for reproducibility; production seeds from time.Now().
func NewJitterSource(seed int64) *JitterSource {
	return &JitterSource{rnd: rand.New(rand.NewSource(seed))}
}

// Float64 returns a pseudo-random float64 in [0, 1).
func (j *JitterSource) Float64() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rnd.Float64()
}

// SignedPct returns a jitter multiplier in [1-pct, 1+pct].
func (j *JitterSource) SignedPct(pct float64) float64 {
	return 1 + (j.Float64()*2-1)*pct
}
