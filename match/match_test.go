package match

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap/dedup"
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

func newTestMatcher() *Matcher {
	d := dedup.NewMarkAndSweep(dedup.Config{ExchangeLifetime: time.Hour})
	return New(d, Config{TokenLength: 2}, nil)
}

func addr(s string) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", s)
	return a
}

// SendRequest never installs two live exchanges under the same token.
func TestSendRequestAssignsUniqueTokens(t *testing.T) {
	m := newTestMatcher()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ex := exchange.New(exchange.Local, addr("127.0.0.1:5683"), nil)
		req := message.New(message.Confirmable, message.GET, 0)
		require.NoError(t, m.SendRequest(ex, &req))
		key := string(req.Token)
		require.False(t, seen[key], "token %x reused while previous exchange still live", req.Token)
		seen[key] = true
	}
}

func TestSendRequestAssignsIDWhenMissing(t *testing.T) {
	m := newTestMatcher()
	ex := exchange.New(exchange.Local, nil, nil)
	req := message.New(message.Confirmable, message.GET, 0)
	require.NoError(t, m.SendRequest(ex, &req))
	assert.NotZero(t, req.ID)
	assert.Len(t, req.Token, 2)
}

// An ACK by id and a later response by token both resolve to
// the same exchange, and the byId entry is gone once the ACK is matched.
func TestAckThenResponseSameExchange(t *testing.T) {
	m := newTestMatcher()
	remote := addr("127.0.0.1:5683")
	ex := exchange.New(exchange.Local, remote, nil)
	ex.RemoteAddr = remote
	req := message.New(message.Confirmable, message.GET, 0)
	require.NoError(t, m.SendRequest(ex, &req))

	ack := message.New(message.Acknowledgement, message.Empty, req.ID)
	found, ok := m.ReceiveEmptyMessage(&ack, "")
	require.True(t, ok)
	assert.Same(t, ex, found)
	assert.False(t, ex.IsComplete(), "a bare ACK must leave the exchange open for the separate response")

	_, stillThere := m.ReceiveEmptyMessage(&ack, "")
	assert.False(t, stillThere, "byId entry must be removed once the ACK is matched")

	resp := message.New(message.NonConfirmable, message.Content, 999)
	resp.Token = req.Token
	respEx, ok := m.ReceiveResponse(&resp, remote)
	require.True(t, ok)
	assert.Same(t, ex, respEx)
}

// A CON response stays incomplete (so its retransmit timer keeps
// running) until the peer's ACK arrives, matched by the locally minted
// ID under the exchange's session.
func TestConResponseCompletesOnAck(t *testing.T) {
	m := newTestMatcher()
	remote := addr("198.51.100.1:40000")

	req := message.New(message.Confirmable, message.GET, 7)
	req.Token = []byte{0x0A}
	ex := m.ReceiveRequest(&req, remote, "sess-1")

	notif := message.New(message.Confirmable, message.Content, 0)
	notif.Token = req.Token
	ex.CurrentResponse = &notif
	m.SendResponse(ex, &notif)
	require.NotZero(t, notif.ID)
	assert.False(t, ex.IsComplete(), "CON response must wait for the peer's ACK")

	ack := message.New(message.Acknowledgement, message.Empty, notif.ID)
	_, ok := m.ReceiveEmptyMessage(&ack, "wrong-session")
	assert.False(t, ok, "an ACK on another session must not match")

	acked, ok := m.ReceiveEmptyMessage(&ack, "sess-1")
	require.True(t, ok)
	assert.Same(t, ex, acked)
	assert.True(t, ex.IsComplete(), "the ACK completes the acked CON response")
}

// An RST for an outstanding CON response completes (kills) the
// exchange.
func TestConResponseCompletesOnReset(t *testing.T) {
	m := newTestMatcher()
	remote := addr("198.51.100.1:40000")

	req := message.New(message.Confirmable, message.GET, 8)
	req.Token = []byte{0x0B}
	ex := m.ReceiveRequest(&req, remote, "")

	notif := message.New(message.Confirmable, message.Content, 0)
	notif.Token = req.Token
	ex.CurrentResponse = &notif
	m.SendResponse(ex, &notif)

	rst := message.New(message.Reset, message.Empty, notif.ID)
	hit, ok := m.ReceiveEmptyMessage(&rst, "")
	require.True(t, ok)
	assert.Same(t, ex, hit)
	assert.True(t, ex.IsComplete())
}

// A duplicate CON request within ExchangeLifetime reuses
// the original exchange and is flagged duplicate.
func TestReceiveRequestDeduplicates(t *testing.T) {
	m := newTestMatcher()
	remote := addr("198.51.100.1:5683")

	req1 := message.New(message.Confirmable, message.GET, 42)
	ex1 := m.ReceiveRequest(&req1, remote, "")
	assert.False(t, req1.Duplicate)

	req2 := message.New(message.Confirmable, message.GET, 42)
	ex2 := m.ReceiveRequest(&req2, remote, "")
	assert.True(t, req2.Duplicate)
	assert.Same(t, ex1, ex2)
}

func TestReceiveRequestDistinctIDsAreDistinctExchanges(t *testing.T) {
	m := newTestMatcher()
	remote := addr("198.51.100.1:5683")

	req1 := message.New(message.Confirmable, message.GET, 1)
	ex1 := m.ReceiveRequest(&req1, remote, "")

	req2 := message.New(message.Confirmable, message.GET, 2)
	ex2 := m.ReceiveRequest(&req2, remote, "")

	assert.NotSame(t, ex1, ex2)
}

func TestSendEmptyMessageRSTCompletesExchange(t *testing.T) {
	m := newTestMatcher()
	ex := exchange.New(exchange.Local, nil, nil)
	rst := message.New(message.Reset, message.Empty, 1)
	m.SendEmptyMessage(ex, &rst)
	assert.True(t, ex.IsComplete())
}

func TestReceiveResponseNoTokenMatchReturnsFalse(t *testing.T) {
	m := newTestMatcher()
	resp := message.New(message.NonConfirmable, message.Content, 1)
	resp.Token = []byte{9, 9}
	_, ok := m.ReceiveResponse(&resp, addr("127.0.0.1:5683"))
	assert.False(t, ok)
}
