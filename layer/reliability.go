package layer

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// TransmissionTimeout is the failure cause fired on an exchange when a
// CON request exhausts its retransmit budget without an ACK, RST, or
// piggybacked response.
type TransmissionTimeout struct {
	Attempts int
}

func (e *TransmissionTimeout) Error() string {
	return fmt.Sprintf("coap: transmission timeout after %d attempts", e.Attempts)
}

// Rejected is the failure cause fired when a peer RSTs a confirmable
// exchange.
type Rejected struct{}

func (*Rejected) Error() string { return "coap: rejected (RST received)" }

// ReliabilityConfig bundles the retransmit knobs.
type ReliabilityConfig struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = 1.5
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = 4
	}
	return c
}

// retransmitFunc resends the exact same logical message; the
// Reliability layer does not re-run the stack above it on retransmit.
type retransmitFunc func(ex *exchange.Exchange)

// ReliabilityLayer arms a retransmit timer on every outgoing CON,
// doubling the interval on each unacknowledged attempt, and disarms it
// on a matching ACK/RST/response.
type ReliabilityLayer struct {
	BaseLayer
	cfg ReliabilityConfig
}

func NewReliabilityLayer(cfg ReliabilityConfig) *ReliabilityLayer {
	return &ReliabilityLayer{cfg: cfg.withDefaults()}
}

func (r *ReliabilityLayer) randTimeout() time.Duration {
	span := float64(r.cfg.AckTimeout) * (r.cfg.AckRandomFactor - 1)
	jitter := time.Duration(rand.Float64() * span)
	return r.cfg.AckTimeout + jitter
}

func (r *ReliabilityLayer) SendRequest(ex *exchange.Exchange, req *message.Message) {
	r.BaseLayer.SendRequest(ex, req)
	if req.Type == message.Confirmable {
		r.arm(ex, func(e *exchange.Exchange) { r.BaseLayer.SendRequest(e, req) })
	}
}

func (r *ReliabilityLayer) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	r.BaseLayer.SendResponse(ex, resp)
	if resp.Type == message.Confirmable {
		r.arm(ex, func(e *exchange.Exchange) { r.BaseLayer.SendResponse(e, resp) })
	}
}

func (r *ReliabilityLayer) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	r.BaseLayer.SendEmptyMessage(ex, msg)
}

func (r *ReliabilityLayer) arm(ex *exchange.Exchange, retransmit retransmitFunc) {
	timeout := r.randTimeout()
	ex.SetNextTimeout(timeout)
	ex.SetTimer(time.AfterFunc(timeout, func() { r.onTimeout(ex, retransmit) }))
}

func (r *ReliabilityLayer) onTimeout(ex *exchange.Exchange, retransmit retransmitFunc) {
	if ex.IsComplete() {
		return
	}
	attempts := ex.IncrementRetransmit()
	if attempts > r.cfg.MaxRetransmit {
		ex.Fail(&TransmissionTimeout{Attempts: attempts})
		ex.Complete()
		return
	}

	retransmit(ex)

	next := ex.NextTimeout() * 2
	ex.SetNextTimeout(next)
	ex.SetTimer(time.AfterFunc(next, func() { r.onTimeout(ex, retransmit) }))
}

func (r *ReliabilityLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	ex.StopTimer()
	r.BaseLayer.ReceiveResponse(ex, resp)
}

func (r *ReliabilityLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	ex.StopTimer()
	if msg.Type == message.Reset {
		ex.Fail(&Rejected{})
	}
	r.BaseLayer.ReceiveEmptyMessage(ex, msg)
}

var _ Layer = (*ReliabilityLayer)(nil)
