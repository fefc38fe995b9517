// Package exchange models one CoAP message exchange end-to-end: the
// request, its eventual response, and the bookkeeping a Matcher and the
// protocol layers need to correlate retransmissions, block-wise
// continuations, and observe notifications with the exchange that
// started them.
//
// Correlation is expressed through typed keys (KeyID, KeyToken,
// KeyUri) so the Matcher can hold three independent indices over the
// same underlying exchanges without ad hoc string formatting at every
// call site.
package exchange

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Origin records which side started the exchange: Local exchanges were
// created by an outgoing SendRequest; Remote exchanges were created by
// an inbound request arriving over the channel.
type Origin int

const (
	Local Origin = iota
	Remote
)

// KeyID identifies an exchange by message ID plus the remote peer, the
// correlation a Reliability layer uses to match an ACK/RST to the CON it
// answers.
type KeyID struct {
	ID         uint16
	RemoteAddr string
	Session    string // opaque DTLS session identity; empty over plain UDP
}

// KeyToken identifies an exchange by CoAP token, the correlation a
// response (arriving confirmable or not, on its own schedule) is matched
// against. The Matcher keys by token alone and leaves RemoteAddr empty.
type KeyToken struct {
	Token      string
	RemoteAddr string
}

// KeyUri identifies an ongoing block-wise transfer by request URI plus
// remote peer, used when the token alone cannot distinguish overlapping
// block-wise GETs to the same resource.
type KeyUri struct {
	URI        string
	RemoteAddr string
}

// Message is the minimal shape the exchange package needs from a wire
// message; the match/layer packages store *message.Message values in it
// and type-assert them back. Keeping Exchange
// decoupled from message avoids an import cycle (layer depends on both
// exchange and message already, but exchange must not depend on layer).
type Message interface{}

// Exchange is the correlation record threaded through every layer for
// one request/response pair.
type Exchange struct {
	ID     uuid.UUID // correlation id for logs/traces; never placed on the wire
	Origin Origin

	RemoteAddr net.Addr
	Session    string

	Request         Message
	CurrentRequest  Message
	CurrentResponse Message

	// Observe is set once this exchange establishes (or updates) an
	// observe relation; nil otherwise.
	Observe interface{}

	// Blockwise carries whichever of the two block-transfer cursors
	// (request body upload / response body download) is in progress for
	// this exchange; nil when no block transfer is active.
	Blockwise interface{}

	mu         sync.Mutex
	timestamp  time.Time
	complete   bool
	onComplete []func(*Exchange)
	onFailure  []func(*Exchange, error)

	retransmitCount int
	nextTimeout     time.Duration
	timer           *time.Timer
}

// New creates an Exchange rooted at request, stamping it with a fresh
// correlation id and the current time as its last-activity timestamp.
func New(origin Origin, remote net.Addr, request Message) *Exchange {
	return &Exchange{
		ID:         uuid.New(),
		Origin:     origin,
		RemoteAddr: remote,
		Request:    request,
		timestamp:  time.Now(),
	}
}

// Touch refreshes the exchange's last-activity timestamp read by
// LastActivity. The layer, Matcher and Endpoint paths do not call it,
// and neither dedup eviction nor the Matcher reads the timestamp.
func (e *Exchange) Touch() {
	e.mu.Lock()
	e.timestamp = time.Now()
	e.mu.Unlock()
}

func (e *Exchange) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timestamp
}

// OnComplete registers fn to run exactly once, the first time Complete is
// called. The Matcher uses this to remove its byId/byToken/ongoingBlockwise
// entries without every layer needing a reference back to the Matcher.
func (e *Exchange) OnComplete(fn func(*Exchange)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.complete {
		fn(e)
		return
	}
	e.onComplete = append(e.onComplete, fn)
}

// Complete marks the exchange finished and fires any OnComplete hooks.
// Safe to call more than once; only the first call has effect.
func (e *Exchange) Complete() {
	e.mu.Lock()
	if e.complete {
		e.mu.Unlock()
		return
	}
	e.complete = true
	hooks := e.onComplete
	e.onComplete = nil
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
}

// OnFailure registers fn to run when Fail is called, carrying the cause
// (TransmissionTimeout, Rejected, an encode failure,...).
// Failure does not imply completion; callers that want both call Complete
// separately.
func (e *Exchange) OnFailure(fn func(*Exchange, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = append(e.onFailure, fn)
}

// Fail fires the registered failure hooks with err. Used by layers to
// surface a parallel ExchangeFailed event instead of returning an error
// across the layer boundary.
func (e *Exchange) Fail(err error) {
	e.mu.Lock()
	hooks := append([]func(*Exchange, error){}, e.onFailure...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(e, err)
	}
}

func (e *Exchange) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete
}

// RetransmitCount and NextTimeout back the Reliability layer's backoff
// state; kept on Exchange rather than as standalone layer-private state
// so a single exchange lookup gives a layer everything it needs.
func (e *Exchange) RetransmitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retransmitCount
}

func (e *Exchange) IncrementRetransmit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retransmitCount++
	return e.retransmitCount
}

func (e *Exchange) NextTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextTimeout
}

func (e *Exchange) SetNextTimeout(d time.Duration) {
	e.mu.Lock()
	e.nextTimeout = d
	e.mu.Unlock()
}

// SetTimer and Timer let the Reliability layer stash the pending
// retransmission timer on the exchange it belongs to, so cancelling on
// ACK/RST arrival is a single field read instead of a second map lookup.
func (e *Exchange) SetTimer(t *time.Timer) {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = t
	e.mu.Unlock()
}

func (e *Exchange) StopTimer() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}
