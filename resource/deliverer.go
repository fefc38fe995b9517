package resource

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/layer"
	"github.com/coapcore/coap/message"
)

// Deliverer is the ServerMessageDeliverer: given a
// request's path, it walks the tree and invokes the matching method
// handler, answering 4.04 Not Found on no match. It implements
// layer.Deliverer (the top of the protocol stack) and layer.Registrar
// (the Observe layer's relation delegate).
type Deliverer struct {
	root     *Resource
	registry *Registry
	stack    sender
	log      *zap.Logger
}

// sender is the narrow slice of *layer.Stack the deliverer needs to
// push a response back down (responses to observe notifications are
// sent asynchronously, off the request/response round trip).
type sender interface {
	SendResponse(ex *exchange.Exchange, resp *message.Message)
}

func NewDeliverer(root *Resource, log *zap.Logger) *Deliverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deliverer{root: root, registry: NewRegistry(), log: log}
}

// BindStack lets the deliverer push observe notifications down the
// stack; called once the Endpoint has built its Stack with this
// Deliverer as the receive sink.
func (d *Deliverer) BindStack(s sender) { d.stack = s }

func (d *Deliverer) Registry() *Registry { return d.registry }

func (d *Deliverer) DeliverRequest(ex *exchange.Exchange, req *message.Message) {
	if req.Duplicate {
		if prev, ok := ex.CurrentResponse.(*message.Message); ok && prev != nil {
			if d.stack != nil {
				d.stack.SendResponse(ex, prev)
			}
		}
		return
	}

	segs := splitPath(req.Options.PathString())
	if req.Options.PathString() == "/.well-known/core" {
		d.serveWellKnownCore(ex, req)
		return
	}

	target := d.root.lookup(segs)
	if target == nil {
		d.respond(ex, req, message.NotFound, "")
		return
	}

	handler, ok := target.handler(req.Code)
	if !ok {
		d.respond(ex, req, message.MethodNotAllowed, "")
		return
	}

	resp := handler(ex, req)
	if req.Type == message.NonConfirmable {
		resp.Type = message.NonConfirmable
	}
	resp.Token = req.Token
	ex.CurrentResponse = &resp
	if d.stack != nil {
		d.stack.SendResponse(ex, &resp)
	}
}

func (d *Deliverer) respond(ex *exchange.Exchange, req *message.Message, code message.Code, payload string) {
	respType := message.Acknowledgement
	if req.Type == message.NonConfirmable {
		respType = message.NonConfirmable
	}
	resp := message.New(respType, code, req.ID)
	resp.Token = req.Token
	resp.Payload = []byte(payload)
	ex.CurrentResponse = &resp
	if d.stack != nil {
		d.stack.SendResponse(ex, &resp)
	}
}

func (d *Deliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Message) {
	// Clients bind their own response handling via the Exchange's
	// CurrentResponse slot; there is no server-side action here.
	ex.CurrentResponse = resp
}

func (d *Deliverer) DeliverEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	if msg.Type != message.Reset {
		return
	}
	req, ok := ex.Request.(*message.Message)
	if !ok || req == nil {
		return
	}
	if rel, found := d.registry.Relation(string(req.Token)); found {
		d.registry.cancel(rel)
	}
}

// Register implements layer.Registrar: builds or finds the
// ObservingEndpoint for req's source and attaches a new ObserveRelation.
func (d *Deliverer) Register(ex *exchange.Exchange, req *message.Message) {
	segs := splitPath(req.Options.PathString())
	target := d.root.lookup(segs)
	if target == nil || !target.Observable {
		return
	}

	rel := &ObserveRelation{Resource: target, Exchange: ex, Token: string(req.Token), Source: ex.RemoteAddr}
	rel.touch()

	d.registry.mu.Lock()
	d.registry.byToken[rel.Token] = rel
	d.registry.mu.Unlock()
	d.registry.endpointFor(ex.RemoteAddr).add(rel)
}

// Deregister implements layer.Registrar.
func (d *Deliverer) Deregister(ex *exchange.Exchange, req *message.Message) {
	if rel, ok := d.registry.Relation(string(req.Token)); ok {
		d.registry.cancel(rel)
	}
}

// Notify pushes an unsolicited response to every relation currently
// observing target, stamping each with the relation's token and a fresh
// message ID (the Observe layer adds the sequence number on send).
//
// Each notification rides its own remote-origin exchange: the original
// registration exchange completed when its response was acknowledged,
// and a CON notification needs a live exchange of its own for the
// retransmit timer and the peer's ACK/RST to resolve against. The new
// exchange shares the registration's request (token lookups on RST) and
// its observe state (one increasing sequence across notifications).
func (d *Deliverer) Notify(target *Resource, payload []byte, contentFormat uint32) {
	d.registry.mu.Lock()
	var relations []*ObserveRelation
	for _, rel := range d.registry.byToken {
		if rel.Resource == target {
			relations = append(relations, rel)
		}
	}
	d.registry.mu.Unlock()

	for _, rel := range relations {
		ex := exchange.New(exchange.Remote, rel.Exchange.RemoteAddr, rel.Exchange.Request)
		ex.Session = rel.Exchange.Session
		ex.Observe = rel.Exchange.Observe
		rel := rel
		ex.OnFailure(func(_ *exchange.Exchange, err error) {
			if rel.failed() >= d.registry.NotificationReconnect {
				d.log.Info("canceling observe relation after repeated delivery failures",
					zap.String("resource", rel.Resource.Path()), zap.Error(err))
				d.registry.cancel(rel)
			}
		})

		resp := message.New(message.Confirmable, message.Content, 0)
		resp.Token = []byte(rel.Token)
		resp.Payload = payload
		resp.SetOption(message.ContentFormat, contentFormat)
		ex.CurrentResponse = &resp
		rel.touch()
		if d.stack != nil {
			d.stack.SendResponse(ex, &resp)
		}
	}
}

var _ layer.Registrar = (*Deliverer)(nil)
var _ fmt.Stringer = (*Resource)(nil)

func (r *Resource) String() string { return r.Path() }
