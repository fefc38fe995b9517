// Package dedup implements the short-term cache of KeyID -> entry used to
// detect retransmitted confirmables.
//
// Three variants share one interface: Noop, MarkAndSweep (default), and
// CropRotation. The primitive every variant exposes is FindPrevious, an
// atomic insert-or-return: insert the entry if the key is unseen and
// report "not seen", or leave the existing entry untouched and return it.
package dedup

import (
	"sync"
	"time"
)

// Entry is whatever the caller wants cached per KeyID. In this engine it
// is always *exchange.Exchange, but the package stays caller-agnostic
// so it can be unit-tested without importing exchange.
type Entry interface{}

// Deduplicator is the shared contract behind all three strategies.
type Deduplicator interface {
	// FindPrevious inserts entry under key if key is unseen and returns
	// (nil, false). If key was already seen, the stored entry is returned
	// unchanged along with true, and entry is discarded.
	FindPrevious(key string, entry Entry) (previous Entry, found bool)

	// Stop releases any background goroutines (sweep timers, rotation
	// timers). Safe to call once, after which the Deduplicator must not
	// be used again.
	Stop()
}

// Kind selects a Deduplicator implementation by its configuration name.
type Kind string

const (
	KindNoop         Kind = "Noop"
	KindMarkAndSweep Kind = "MarkAndSweep"
	// KindCropRotation and the alternate, misspelled spelling are both
	// accepted; see DESIGN.md for the decision this records.
	KindCropRotation     Kind = "CropRotation"
	KindCropRotationTypo Kind = "DEDUPLICATOR_CROP_ROTATIO"
)

// Config bundles the knobs that affect deduplication.
type Config struct {
	ExchangeLifetime     time.Duration
	MarkAndSweepInterval time.Duration
}

// New constructs the Deduplicator named by kind. Unrecognized kinds fall
// back to MarkAndSweep, the documented default.
func New(kind Kind, cfg Config) Deduplicator {
	switch kind {
	case KindNoop:
		return NewNoop()
	case KindCropRotation, KindCropRotationTypo:
		return NewCropRotation(cfg.ExchangeLifetime)
	case KindMarkAndSweep, "":
		return NewMarkAndSweep(cfg)
	default:
		return NewMarkAndSweep(cfg)
	}
}

// Noop always reports "not seen"; useful when the transport already
// guarantees delivery exactly once (tests, or a reliable underlying
// channel).
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) FindPrevious(string, Entry) (Entry, bool) { return nil, false }
func (*Noop) Stop()                                    {}

var _ Deduplicator = (*Noop)(nil)

// MarkAndSweep inserts on first sight; a periodic sweep evicts entries
// older than cfg.ExchangeLifetime.
type MarkAndSweep struct {
	mu      sync.Mutex
	entries map[string]markEntry
	ttl     time.Duration
	ticker  *time.Ticker
	stop    chan struct{}
	once    sync.Once
}

type markEntry struct {
	value Entry
	seen  time.Time
}

func NewMarkAndSweep(cfg Config) *MarkAndSweep {
	ttl := cfg.ExchangeLifetime
	if ttl <= 0 {
		ttl = 247 * time.Second // RFC 7252 §4.8.2 default EXCHANGE_LIFETIME
	}
	interval := cfg.MarkAndSweepInterval
	if interval <= 0 {
		interval = ttl / 4
		if interval <= 0 {
			interval = time.Second
		}
	}
	ms := &MarkAndSweep{
		entries: make(map[string]markEntry),
		ttl:     ttl,
		ticker:  time.NewTicker(interval),
		stop:    make(chan struct{}),
	}
	go ms.sweepLoop()
	return ms
}

func (ms *MarkAndSweep) FindPrevious(key string, entry Entry) (Entry, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if existing, ok := ms.entries[key]; ok {
		return existing.value, true
	}
	ms.entries[key] = markEntry{value: entry, seen: time.Now()}
	return nil, false
}

func (ms *MarkAndSweep) sweepLoop() {
	for {
		select {
		case <-ms.stop:
			return
		case now := <-ms.ticker.C:
			ms.sweep(now)
		}
	}
}

func (ms *MarkAndSweep) sweep(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for k, e := range ms.entries {
		if now.Sub(e.seen) > ms.ttl {
			delete(ms.entries, k)
		}
	}
}

func (ms *MarkAndSweep) Stop() {
	ms.once.Do(func() {
		ms.ticker.Stop()
		close(ms.stop)
	})
}

var _ Deduplicator = (*MarkAndSweep)(nil)
