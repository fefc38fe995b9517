// Package endpoint implements the Endpoint façade:
// it composes a Channel, the Codec, a Matcher, the protocol Stack, and
// an Executor, pumping bytes in from the channel and out to it.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/layer"
	"github.com/coapcore/coap/match"
	"github.com/coapcore/coap/message"
)

// toNetAddr bridges message.Addr (kept net-free by design) back to
// net.Addr for the Channel boundary; the two interfaces share an
// identical method set so this is a plain assignment, not a cast.
func toNetAddr(a message.Addr) net.Addr {
	if a == nil {
		return nil
	}
	return a
}

// Config bundles endpoint-level behavior not owned by a sub-component.
type Config struct {
	Log *zap.Logger
}

// Endpoint is the engine's façade: Start binds the
// channel, starts the matcher, activates the executor; Stop reverses.
// Start is idempotent, guarded by an atomic CAS on a running flag.
type Endpoint struct {
	channel  Channel
	matcher  *match.Matcher
	stack    *layer.Stack
	executor Executor
	log      *zap.Logger
	events   *eventRegistry

	running int32
	cancel  context.CancelFunc
}

// New wires an Endpoint. stack must have been built with this Endpoint
// as its layer.Outbox (the usual construction order: build the
// endpoint, then the stack, then call SetStack).
func New(ch Channel, m *match.Matcher, cfg Config) *Endpoint {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{channel: ch, matcher: m, log: log, events: newEventRegistry()}
}

// SetStack attaches the protocol stack built with this Endpoint as its
// Outbox; kept as a separate step because the Stack constructor needs
// an Outbox reference to an Endpoint that doesn't exist until New
// returns.
func (e *Endpoint) SetStack(s *layer.Stack) { e.stack = s }

// On registers fn for the given Sending*/Receiving* event.
func (e *Endpoint) On(kind EventKind, fn EventObserver) { e.events.On(kind, fn) }

// Start is idempotent: concurrent or repeated calls after the first
// successful Start are no-ops.
func (e *Endpoint) Start(ctx context.Context, executor Executor) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return nil
	}
	e.executor = executor
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.channel.Start(runCtx, e.onDatagram); err != nil {
		atomic.StoreInt32(&e.running, 0)
		return fmt.Errorf("coap: start channel: %w", err)
	}
	return nil
}

// Stop reverses Start; safe to call more than once.
func (e *Endpoint) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.channel.Stop(); err != nil {
		return err
	}
	if e.executor != nil {
		return e.executor.Stop(ctx)
	}
	return nil
}

func (e *Endpoint) onDatagram(dg Datagram) {
	e.executor.Submit(func() { e.handleDatagram(dg) })
}

// handleDatagram is the receive path:
// decode -> classify -> route. Decode failures reply with RST unless
// the malformed bytes look like a reply (in which case they're dropped
// and logged).
func (e *Endpoint) handleDatagram(dg Datagram) {
	m, kind, err := message.Decode(dg.Data)
	if err != nil {
		e.handleDecodeFailure(dg, err)
		return
	}
	m.Source = dg.Remote
	m.Destination = dg.Local
	m.Session = dg.Session

	switch kind {
	case message.KindRequest:
		e.handleRequest(&m, dg)
	case message.KindResponse:
		e.handleResponse(&m, dg)
	case message.KindEmpty:
		e.handleEmpty(&m, dg)
	case message.KindSignal:
		e.handleSignal(&m, dg)
	}
}

func (e *Endpoint) handleDecodeFailure(dg Datagram, err error) {
	// Fewer than 4 bytes leave no message ID to RST against, and a
	// malformed reply (ACK/RST, never itself asking for a reply) must not
	// be answered: both are logged and dropped. Anything else gets an RST.
	if len(dg.Data) < 4 {
		e.log.Warn("dropping malformed datagram: too short to recover a message ID",
			zap.Error(err), zap.String("remote", dg.Remote.String()))
		return
	}
	if t := message.Type((dg.Data[0] >> 4) & 0x3); t == message.Acknowledgement || t == message.Reset {
		e.log.Debug("dropping malformed reply", zap.Error(err), zap.String("remote", dg.Remote.String()))
		return
	}
	id := uint16(dg.Data[2])<<8 | uint16(dg.Data[3])
	rst := message.New(message.Reset, message.Empty, id)
	e.sendRaw(&rst, dg.Session, dg.Remote)
	e.log.Debug("replied RST to malformed datagram", zap.Error(err))
}

func (e *Endpoint) handleRequest(req *message.Message, dg Datagram) {
	// The event fires after the matcher query so observers see the
	// matched exchange and the Duplicate flag already stamped.
	ex := e.matcher.ReceiveRequest(req, dg.Remote, dg.Session)
	e.events.fire(ReceivingRequest, ex, req)
	e.stack.ReceiveRequest(ex, req)
}

func (e *Endpoint) handleResponse(resp *message.Message, dg Datagram) {
	ex, found := e.matcher.ReceiveResponse(resp, dg.Remote)
	e.events.fire(ReceivingResponse, ex, resp)
	if !found {
		if resp.Type != message.Acknowledgement {
			rst := message.New(message.Reset, message.Empty, resp.ID)
			e.sendRaw(&rst, dg.Session, dg.Remote)
		}
		return
	}
	e.stack.ReceiveResponse(ex, resp)
}

func (e *Endpoint) handleEmpty(msg *message.Message, dg Datagram) {
	e.events.fire(ReceivingEmptyMessage, nil, msg)
	if msg.Type == message.Confirmable || msg.Type == message.NonConfirmable {
		// Bare CON/NON empty message: a CoAP ping. Contract is to RST.
		rst := message.New(message.Reset, message.Empty, msg.ID)
		e.sendRaw(&rst, dg.Session, dg.Remote)
		return
	}
	ex, found := e.matcher.ReceiveEmptyMessage(msg, dg.Session)
	if !found {
		return
	}
	e.stack.ReceiveEmptyMessage(ex, msg)
}

func (e *Endpoint) handleSignal(msg *message.Message, dg Datagram) {
	switch msg.Code {
	case message.SignalCSM, message.SignalPing, message.SignalPong, message.SignalRelease:
		ex := exchange.New(exchange.Remote, dg.Remote, nil)
		ex.Session = dg.Session
		e.stack.ReceiveEmptyMessage(ex, msg)
		if msg.Code == message.SignalPing {
			pong := message.New(message.Confirmable, message.SignalPong, msg.ID)
			pong.Token = msg.Token
			e.sendRaw(&pong, dg.Session, dg.Remote)
		}
	default:
		abort := message.New(message.Confirmable, message.SignalAbort, msg.ID)
		abort.AddOption(2, "Bad-CSM-Option")
		e.sendRaw(&abort, dg.Session, dg.Remote)
	}
}

// sendRaw writes msg directly to the channel, bypassing the Matcher and
// stack: used for RST/PONG/ABORT replies that are not part of any
// exchange.
func (e *Endpoint) sendRaw(msg *message.Message, session string, remote message.Addr) {
	data, err := message.Encode(*msg)
	if err != nil {
		e.log.Error("failed to encode outgoing control message", zap.Error(err))
		return
	}
	if err := e.channel.Send(data, session, toNetAddr(remote)); err != nil {
		e.log.Warn("failed to send outgoing control message", zap.Error(err))
	}
}

// SendRequest implements layer.Outbox: registers with the Matcher,
// fires SendingRequest, and writes to the channel.
func (e *Endpoint) SendRequest(ex *exchange.Exchange, req *message.Message) {
	if ex.Session == "" {
		// Resolve the transport session up front so the Matcher keys the
		// exchange under the same session its replies will arrive on.
		if remote := toNetAddr(req.Destination); remote != nil {
			if session, err := e.channel.GetSession(remote); err == nil {
				ex.Session = session
			}
		}
	}
	if err := e.matcher.SendRequest(ex, req); err != nil {
		e.log.Error("send request: assign id/token", zap.Error(err))
		ex.Fail(err)
		return
	}
	e.events.fire(SendingRequest, ex, req)
	e.write(ex, req)
}

// SendResponse implements layer.Outbox.
func (e *Endpoint) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	e.matcher.SendResponse(ex, resp)
	e.events.fire(SendingResponse, ex, resp)
	e.write(ex, resp)
}

// SendEmptyMessage implements layer.Outbox.
func (e *Endpoint) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	e.matcher.SendEmptyMessage(ex, msg)
	e.events.fire(SendingEmptyMessage, ex, msg)
	e.write(ex, msg)
}

func (e *Endpoint) write(ex *exchange.Exchange, msg *message.Message) {
	if msg.Cancelled {
		return
	}
	data, err := message.Encode(*msg)
	if err != nil {
		e.log.Error("failed to encode outgoing message", zap.Error(err))
		if ex != nil {
			ex.Fail(err)
		}
		return
	}
	remote := msg.Destination
	if remote == nil && ex != nil {
		remote, _ = ex.RemoteAddr.(message.Addr)
	}
	session := msg.Session
	if session == "" && ex != nil {
		session = ex.Session
	}
	if session == "" && remote != nil {
		// The channel is the authority on transport sessions; ask it
		// when neither the message nor the exchange carries one.
		session, _ = e.channel.GetSession(toNetAddr(remote))
	}
	if err := e.channel.Send(data, session, toNetAddr(remote)); err != nil {
		e.log.Warn("failed to send outgoing message", zap.Error(err))
		if ex != nil {
			ex.Fail(err)
		}
	}
}

var _ layer.Outbox = (*Endpoint)(nil)
