package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap/channel"
	"github.com/coapcore/coap/config"
	"github.com/coapcore/coap/message"
)

// echoServerChannel plays the server side in-memory: every request sent
// through it is answered with a piggybacked 2.05 ACK echoing the
// request's ID and token.
type echoServerChannel struct {
	mu      sync.Mutex
	receive func(channel.Datagram)
	local   net.Addr
	payload []byte

	// respond lets a test override the default echo behavior.
	respond func(req message.Message) *message.Message
}

func newEchoServerChannel(payload string) *echoServerChannel {
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	return &echoServerChannel{local: addr, payload: []byte(payload)}
}

func (f *echoServerChannel) Start(_ context.Context, receive func(channel.Datagram)) error {
	f.mu.Lock()
	f.receive = receive
	f.mu.Unlock()
	return nil
}
func (f *echoServerChannel) Stop() error { return nil }

func (f *echoServerChannel) Send(data []byte, _ string, remote net.Addr) error {
	req, kind, err := message.Decode(data)
	if err != nil || kind != message.KindRequest {
		return nil
	}

	var resp *message.Message
	if f.respond != nil {
		resp = f.respond(req)
	} else {
		r := message.New(message.Acknowledgement, message.Content, req.ID)
		r.Token = req.Token
		r.Payload = f.payload
		resp = &r
	}
	if resp == nil {
		return nil
	}

	out, err := message.Encode(*resp)
	if err != nil {
		return err
	}
	f.mu.Lock()
	receive := f.receive
	f.mu.Unlock()
	go receive(channel.Datagram{Data: out, Remote: remote, Local: f.local})
	return nil
}

func (f *echoServerChannel) GetSession(net.Addr) (string, error)    { return "", nil }
func (f *echoServerChannel) AddMulticastAddress(*net.UDPAddr) error { return nil }
func (f *echoServerChannel) IsReliable() bool                       { return false }

func newTestClient(t *testing.T, ch channel.Channel) *Client {
	t.Helper()
	cfg := config.Config{
		AckTimeout:      time.Hour, // no retransmits during tests
		AckRandomFactor: 1,
		MaxRetransmit:   1,
		TokenLength:     2,
	}
	c, err := New(context.Background(), ch, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestClientGet(t *testing.T) {
	ch := newEchoServerChannel("hello")
	c := newTestClient(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Get(ctx, "coap://127.0.0.1:5683/test")
	require.NoError(t, err)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, []byte("hello"), resp.Payload)
}

func TestClientPostCarriesPayload(t *testing.T) {
	ch := newEchoServerChannel("")
	var got message.Message
	ch.respond = func(req message.Message) *message.Message {
		got = req
		r := message.New(message.Acknowledgement, message.Changed, req.ID)
		r.Token = req.Token
		return &r
	}
	c := newTestClient(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Post(ctx, "coap://127.0.0.1:5683/echo", 0, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, message.Changed, resp.Code)
	assert.Equal(t, message.POST, got.Code)
	assert.Equal(t, []byte("ping"), got.Payload)
}

func TestClientContextCancellation(t *testing.T) {
	ch := newEchoServerChannel("")
	ch.respond = func(message.Message) *message.Message { return nil } // never answer
	c := newTestClient(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "coap://127.0.0.1:5683/slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequestRejectsUnknownScheme(t *testing.T) {
	_, err := NewRequest(message.GET, "http://example.com/x")
	var serr *message.SchemeError
	assert.ErrorAs(t, err, &serr)
}
