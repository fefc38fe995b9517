// Package match implements the Matcher: the three
// concurrent index tables (byId, byToken, ongoingBlockwise) that
// correlate wire-level identifiers to logical exchange.Exchange values,
// backed by a dedup.Deduplicator for duplicate suppression.
//
// The three tables share one mutex: they are always touched together
// on the send and receive paths, and the completion hook's multi-table
// removal has to be atomic anyway.
package match

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/coapcore/coap/dedup"
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// Config is the subset of the knob table the Matcher consults
// directly; the rest (AckTimeout, MaxRetransmit,...) belong to the
// Reliability layer.
type Config struct {
	TokenLength      int // default length for generated tokens; -1 means a random length per request
	UseRandomIDStart bool
}

// Matcher owns the three correlation tables plus the Deduplicator.
type Matcher struct {
	mu               sync.Mutex
	byId             map[exchange.KeyID]*exchange.Exchange
	byToken          map[exchange.KeyToken]*exchange.Exchange
	ongoingBlockwise map[exchange.KeyUri]*exchange.Exchange

	dedup     dedup.Deduplicator
	currentID uint32 // accessed only via atomic; wraps mod 2^16
	tokenLen  int
	log       *zap.Logger
}

func New(d dedup.Deduplicator, cfg Config, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	tokenLen := cfg.TokenLength
	if tokenLen == 0 || tokenLen > message.MaxTokenLength {
		tokenLen = 4
	}
	m := &Matcher{
		byId:             make(map[exchange.KeyID]*exchange.Exchange),
		byToken:          make(map[exchange.KeyToken]*exchange.Exchange),
		ongoingBlockwise: make(map[exchange.KeyUri]*exchange.Exchange),
		dedup:            d,
		tokenLen:         tokenLen,
		log:              log,
	}
	if cfg.UseRandomIDStart {
		var b [4]byte
		_, _ = rand.Read(b[:])
		m.currentID = uint32(b[0])<<8 | uint32(b[1])
	}
	return m
}

func (m *Matcher) nextID() uint16 {
	return uint16(atomic.AddUint32(&m.currentID, 1) & 0xffff)
}

func keyToken(token []byte) exchange.KeyToken {
	return exchange.KeyToken{Token: string(token)}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// SendRequest assigns an ID/token to req if missing, installs the byId
// and byToken entries, and arms the exchange's completion hook to
// remove them.
func (m *Matcher) SendRequest(ex *exchange.Exchange, req *message.Message) error {
	if req.ID == 0 {
		req.ID = m.nextID()
	}
	if req.Token == nil {
		token, err := m.generateToken()
		if err != nil {
			return err
		}
		req.Token = token
	}

	idKey := exchange.KeyID{ID: req.ID, RemoteAddr: "", Session: ex.Session}
	tokKey := keyToken(req.Token)

	m.mu.Lock()
	m.byId[idKey] = ex
	m.byToken[tokKey] = ex
	m.mu.Unlock()

	ex.OnComplete(func(*exchange.Exchange) {
		m.mu.Lock()
		delete(m.byId, idKey)
		delete(m.byToken, tokKey)
		m.mu.Unlock()
	})
	return nil
}

// generateToken draws a random token, retrying with growing length if
// the draw collides with a live byToken entry.
func (m *Matcher) generateToken() ([]byte, error) {
	length := m.tokenLen
	if length < 0 {
		// TokenLength -1: a random length per request.
		var b [1]byte
		_, _ = rand.Read(b[:])
		length = 1 + int(b[0])%message.MaxTokenLength
	}
	for attempt := 0; attempt < 8; attempt++ {
		token := make([]byte, length)
		if _, err := rand.Read(token); err != nil {
			return nil, fmt.Errorf("coap: generate token: %w", err)
		}
		m.mu.Lock()
		_, collide := m.byToken[keyToken(token)]
		m.mu.Unlock()
		if !collide {
			return token, nil
		}
		if length < message.MaxTokenLength {
			length++
		}
	}
	return nil, fmt.Errorf("coap: exhausted token generation attempts")
}

// SendResponse assigns an ID if missing, tracks block-wise continuations
// via ongoingBlockwise (skipping observe notifications past the first
// block), and installs byId for CON/NON so a later ACK/RST can be
// matched. ACK/RST and final NON responses complete the exchange here;
// a CON response completes only when the peer's ACK/RST arrives, so the
// retransmit timer armed below stays live until delivery.
func (m *Matcher) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	if resp.ID == 0 {
		resp.ID = m.nextID()
	}

	hasBlock2 := resp.Options.Has(message.Block2)
	isObserveNotification := ex.Observe != nil && resp.Options.Has(message.Observe)
	more := hasBlock2 && blockMore(resp)

	if hasBlock2 && !isObserveNotification {
		// Keyed by the request's URI: follow-up request blocks carry the
		// same Uri-Path, while the response itself has none.
		uri := resp.URI(false)
		if req, ok := ex.Request.(*message.Message); ok && req != nil {
			uri = req.URI(false)
		}
		key := exchange.KeyUri{URI: uri, RemoteAddr: addrString(ex.RemoteAddr)}
		m.mu.Lock()
		if _, exists := m.ongoingBlockwise[key]; !exists {
			m.ongoingBlockwise[key] = ex
		}
		m.mu.Unlock()
	}

	if resp.Type == message.Confirmable || resp.Type == message.NonConfirmable {
		// The response's ID was minted locally, so the byId key carries
		// no remote address, same as SendRequest; the peer's ACK/RST
		// comes back bearing this ID.
		idKey := exchange.KeyID{ID: resp.ID, RemoteAddr: "", Session: ex.Session}
		m.mu.Lock()
		m.byId[idKey] = ex
		m.mu.Unlock()
		ex.OnComplete(func(*exchange.Exchange) {
			m.mu.Lock()
			delete(m.byId, idKey)
			m.mu.Unlock()
		})
	}

	switch resp.Type {
	case message.Acknowledgement, message.Reset:
		ex.Complete()
	case message.NonConfirmable:
		if !more {
			ex.Complete()
		}
	case message.Confirmable:
		// Completion waits for the peer's ACK/RST, matched back through
		// byId in ReceiveEmptyMessage.
	}
}

// blockMore reports whether resp's Block2 option carries the "more
// blocks follow" bit (the M bit, 0x8, of the block value).
func blockMore(resp *message.Message) bool {
	v := resp.Options.GetUint32(message.Block2)
	return v&0x8 != 0
}

// SendEmptyMessage completes ex when msg is an RST.
func (m *Matcher) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	if ex != nil && msg.Type == message.Reset {
		ex.Complete()
	}
}

// ReceiveRequest deduplicates a
// plain request by KeyID, or a block-wise continuation by KeyUri plus
// KeyID, returning the exchange the caller (stack) should process
// against and flagging req.Duplicate when a retransmitted copy of a
// request already in flight arrived again.
func (m *Matcher) ReceiveRequest(req *message.Message, source net.Addr, session string) *exchange.Exchange {
	idKey := exchange.KeyID{ID: req.ID, RemoteAddr: addrString(source), Session: session}

	hasBlock := req.Options.Has(message.Block1) || req.Options.Has(message.Block2)
	if !hasBlock {
		fresh := exchange.New(exchange.Remote, source, req)
		fresh.Session = session
		prev, found := m.dedup.FindPrevious(dedupKey(idKey), fresh)
		if !found {
			m.registerRemoteCompletion(fresh, idKey)
			return fresh
		}
		req.Duplicate = true
		return prev.(*exchange.Exchange)
	}

	uri := req.URI(false)
	uriKey := exchange.KeyUri{URI: uri, RemoteAddr: addrString(source)}

	m.mu.Lock()
	ongoing, ok := m.ongoingBlockwise[uriKey]
	m.mu.Unlock()

	if ok {
		_, found := m.dedup.FindPrevious(dedupKey(idKey), ongoing)
		if found {
			req.Duplicate = true
			return ongoing
		}
		ongoing.CurrentResponse = nil
		return ongoing
	}

	fresh := exchange.New(exchange.Remote, source, req)
	fresh.Session = session
	m.dedup.FindPrevious(dedupKey(idKey), fresh)
	m.mu.Lock()
	m.ongoingBlockwise[uriKey] = fresh
	m.mu.Unlock()
	m.registerRemoteCompletion(fresh, idKey)
	return fresh
}

func (m *Matcher) registerRemoteCompletion(ex *exchange.Exchange, idKey exchange.KeyID) {
	ex.OnComplete(func(*exchange.Exchange) {
		m.mu.Lock()
		delete(m.byId, idKey)
		for k, v := range m.ongoingBlockwise {
			if v == ex {
				delete(m.ongoingBlockwise, k)
			}
		}
		m.mu.Unlock()
	})
}

// dedupKey renders a KeyID to the string key dedup.Deduplicator uses;
// the dedup package stays ignorant of exchange types by design.
func dedupKey(k exchange.KeyID) string {
	return fmt.Sprintf("%s|%s|%d", k.Session, k.RemoteAddr, k.ID)
}

// ReceiveResponse matches an inbound response to its exchange by
// token, falling back to the deduplicator for replays of responses
// whose exchange already completed.
func (m *Matcher) ReceiveResponse(resp *message.Message, source net.Addr) (*exchange.Exchange, bool) {
	idRemote := addrString(source)
	if resp.Type == message.Acknowledgement {
		idRemote = ""
	}

	m.mu.Lock()
	ex, found := m.byToken[keyToken(resp.Token)]
	m.mu.Unlock()

	if !found {
		if resp.Type != message.Acknowledgement {
			idKey := exchange.KeyID{ID: resp.ID, RemoteAddr: idRemote}
			if prev, dup := m.dedup.FindPrevious(dedupKey(idKey), nil); dup && prev != nil {
				resp.Duplicate = true
				return prev.(*exchange.Exchange), true
			}
		}
		return nil, false
	}

	if ex.Request != nil {
		if req, ok := ex.Request.(*message.Message); ok && isMulticast(req.Destination) {
			ex = cloneForMulticastReply(ex, req)
		}
	}

	idKey := exchange.KeyID{ID: resp.ID, RemoteAddr: idRemote, Session: ex.Session}
	if _, dup := m.dedup.FindPrevious(dedupKey(idKey), ex); dup {
		resp.Duplicate = true
	} else {
		m.mu.Lock()
		for k, v := range m.byId {
			if v == ex {
				delete(m.byId, k)
			}
		}
		m.mu.Unlock()
	}

	if resp.Type == message.Acknowledgement {
		if req, ok := ex.Request.(*message.Message); ok && req.ID != resp.ID {
			m.log.Warn("possible message ID reuse before exchange lifetime elapsed",
				zap.Uint16("requestID", req.ID), zap.Uint16("responseID", resp.ID),
				zap.String("token", fmt.Sprintf("%x", resp.Token)))
		}
	}

	return ex, true
}

// cloneForMulticastReply builds a fresh Exchange sharing the original
// request, one per multicast reply; see DESIGN.md for the clone
// lifetime decision.
func cloneForMulticastReply(original *exchange.Exchange, req *message.Message) *exchange.Exchange {
	clone := exchange.New(exchange.Local, original.RemoteAddr, req)
	clone.Session = original.Session
	return clone
}

func isMulticast(addr net.Addr) bool {
	udp, ok := addr.(*net.UDPAddr)
	return ok && udp != nil && udp.IP.IsMulticast()
}

// ReceiveEmptyMessage resolves a bare ACK/RST to the exchange whose
// locally minted ID it answers, removing the byId entry on a hit. The
// ID was minted on this endpoint, so the key carries no remote address;
// session keeps DTLS peers that happen to reuse an ID apart.
//
// An RST completes the exchange outright. An ACK completes only a
// remote-origin exchange whose final CON response it confirms: a
// local-origin exchange stays open because its separate response is
// still to come, matched by token, and an acked intermediate block
// leaves the block-wise transfer running.
func (m *Matcher) ReceiveEmptyMessage(msg *message.Message, session string) (*exchange.Exchange, bool) {
	idKey := exchange.KeyID{ID: msg.ID, RemoteAddr: "", Session: session}
	m.mu.Lock()
	ex, found := m.byId[idKey]
	if found {
		delete(m.byId, idKey)
	}
	m.mu.Unlock()
	if !found {
		return nil, false
	}

	if msg.Type == message.Reset {
		ex.Complete()
	} else if msg.Type == message.Acknowledgement && ex.Origin == exchange.Remote && finalResponseSent(ex) {
		ex.Complete()
	}
	return ex, true
}

// finalResponseSent reports whether the exchange's current response was
// the last block (or not block-wise at all).
func finalResponseSent(ex *exchange.Exchange) bool {
	resp, ok := ex.CurrentResponse.(*message.Message)
	if !ok || resp == nil {
		return true
	}
	return !resp.Options.Has(message.Block2) || !blockMore(resp)
}
