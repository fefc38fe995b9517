// Package layer implements the ordered protocol stack: Observe, Blockwise, Token, Reliability, and a supplementary CSM
// layer, chained top (closest to the application) to bottom (closest to
// the wire).
//
// The contract is symmetric, middleware-style: every layer exposes
// SendRequest/SendResponse/SendEmptyMessage flowing down to NextLayer,
// and ReceiveRequest/ReceiveResponse/ReceiveEmptyMessage flowing up to
// Upper. A BaseLayer supplies the default pass-through so a concrete
// layer only overrides what it actually changes.
package layer

import (
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// Layer is the shared contract every stack element implements.
type Layer interface {
	SendRequest(ex *exchange.Exchange, req *message.Message)
	SendResponse(ex *exchange.Exchange, resp *message.Message)
	SendEmptyMessage(ex *exchange.Exchange, msg *message.Message)

	ReceiveRequest(ex *exchange.Exchange, req *message.Message)
	ReceiveResponse(ex *exchange.Exchange, resp *message.Message)
	ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message)

	setLower(Layer)
	setUpper(Layer)
}

// Outbox is the bottom of the stack's send sink: the endpoint, which
// registers the outgoing message with the Matcher and hands bytes to
// the Channel.
type Outbox interface {
	SendRequest(ex *exchange.Exchange, req *message.Message)
	SendResponse(ex *exchange.Exchange, resp *message.Message)
	SendEmptyMessage(ex *exchange.Exchange, msg *message.Message)
}

// Deliverer is the top of the stack's receive sink: the resource tree /
// client response dispatcher.
type Deliverer interface {
	DeliverRequest(ex *exchange.Exchange, req *message.Message)
	DeliverResponse(ex *exchange.Exchange, resp *message.Message)
	DeliverEmptyMessage(ex *exchange.Exchange, msg *message.Message)
}

// outboxLayer and delivererLayer adapt the terminal sinks to the Layer
// interface so BaseLayer.lower/.upper never need a nil check.
type outboxLayer struct {
	BaseLayer
	out Outbox
}

func (o *outboxLayer) SendRequest(ex *exchange.Exchange, req *message.Message) {
	o.out.SendRequest(ex, req)
}
func (o *outboxLayer) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	o.out.SendResponse(ex, resp)
}
func (o *outboxLayer) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	o.out.SendEmptyMessage(ex, msg)
}

type delivererLayer struct {
	BaseLayer
	in Deliverer
}

func (d *delivererLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	d.in.DeliverRequest(ex, req)
}
func (d *delivererLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	d.in.DeliverResponse(ex, resp)
}
func (d *delivererLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	d.in.DeliverEmptyMessage(ex, msg)
}

// BaseLayer gives a concrete layer default pass-through behavior plus
// the lower/upper plumbing; embed it and override only what changes.
type BaseLayer struct {
	lower Layer
	upper Layer
}

func (b *BaseLayer) setLower(l Layer) { b.lower = l }
func (b *BaseLayer) setUpper(l Layer) { b.upper = l }

func (b *BaseLayer) SendRequest(ex *exchange.Exchange, req *message.Message) {
	if b.lower != nil {
		b.lower.SendRequest(ex, req)
	}
}
func (b *BaseLayer) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	if b.lower != nil {
		b.lower.SendResponse(ex, resp)
	}
}
func (b *BaseLayer) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	if b.lower != nil {
		b.lower.SendEmptyMessage(ex, msg)
	}
}
func (b *BaseLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	if b.upper != nil {
		b.upper.ReceiveRequest(ex, req)
	}
}
func (b *BaseLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	if b.upper != nil {
		b.upper.ReceiveResponse(ex, resp)
	}
}
func (b *BaseLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	if b.upper != nil {
		b.upper.ReceiveEmptyMessage(ex, msg)
	}
}

// Stack chains layers top-to-bottom and exposes the top layer's send
// methods and the bottom layer's receive methods as its own entry
// points, matching how the Endpoint drives it.
type Stack struct {
	top    Layer
	bottom Layer
}

// NewStack wires layers (given top-to-bottom, e.g. Observe, Blockwise,
// Token, Reliability, CSM) between a Deliverer (receive sink, top) and
// an Outbox (send sink, bottom).
func NewStack(deliverer Deliverer, outbox Outbox, layers ...Layer) *Stack {
	top := &delivererLayer{in: deliverer}
	bottom := &outboxLayer{out: outbox}

	chain := append([]Layer{top}, layers...)
	chain = append(chain, bottom)

	for i := 0; i < len(chain)-1; i++ {
		chain[i].setLower(chain[i+1])
		chain[i+1].setUpper(chain[i])
	}

	return &Stack{top: chain[1], bottom: chain[len(chain)-2]}
}

// Send* enter the stack at the topmost protocol layer (just below the
// Deliverer slot), flowing down to the Outbox.
func (s *Stack) SendRequest(ex *exchange.Exchange, req *message.Message) {
	s.top.SendRequest(ex, req)
}
func (s *Stack) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	s.top.SendResponse(ex, resp)
}
func (s *Stack) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	s.top.SendEmptyMessage(ex, msg)
}

// Receive* enter the stack at the bottommost protocol layer (just above
// the Outbox slot), flowing up to the Deliverer.
func (s *Stack) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	s.bottom.ReceiveRequest(ex, req)
}
func (s *Stack) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	s.bottom.ReceiveResponse(ex, resp)
}
func (s *Stack) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	s.bottom.ReceiveEmptyMessage(ex, msg)
}
