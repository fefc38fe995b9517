package layer

import (
	"sync/atomic"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// Registrar is how the Observe layer delegates relation bookkeeping
// to the resource tree.
type Registrar interface {
	Register(ex *exchange.Exchange, req *message.Message)
	Deregister(ex *exchange.Exchange, req *message.Message)
}

// Relation is the per-exchange state the Observe layer stores on
// ex.Observe: a monotonically increasing 24-bit notification sequence
// number (RFC 7641 §3.4).
type Relation struct {
	seq uint32
}

func (r *Relation) next() uint32 {
	return atomic.AddUint32(&r.seq, 1) & 0xffffff
}

// ObserveLayer attaches/cancels observe relations on receipt of a GET
// carrying the Observe option, and stamps outgoing notifications with
// an increasing sequence number.
type ObserveLayer struct {
	BaseLayer
	registrar Registrar
}

func NewObserveLayer(registrar Registrar) *ObserveLayer {
	return &ObserveLayer{registrar: registrar}
}

func (o *ObserveLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	if req.Options.Has(message.Observe) && (req.Code == message.GET || req.Code == message.FETCH) {
		if req.Options.GetUint32(message.Observe) == 0 {
			ex.Observe = &Relation{}
			if o.registrar != nil {
				o.registrar.Register(ex, req)
			}
		} else {
			if o.registrar != nil {
				o.registrar.Deregister(ex, req)
			}
			ex.Observe = nil
		}
	}
	o.BaseLayer.ReceiveRequest(ex, req)
}

func (o *ObserveLayer) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	if rel, ok := ex.Observe.(*Relation); ok && rel != nil {
		resp.SetOption(message.Observe, rel.next())
	}
	o.BaseLayer.SendResponse(ex, resp)
}

var _ Layer = (*ObserveLayer)(nil)
