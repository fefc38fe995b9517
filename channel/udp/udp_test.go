package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap/channel"
)

func startChannel(t *testing.T) (*Channel, chan channel.Datagram) {
	t.Helper()
	ch := New(Config{ListenAddr: "127.0.0.1:0"})
	inbox := make(chan channel.Datagram, 16)
	require.NoError(t, ch.Start(context.Background(), func(dg channel.Datagram) { inbox <- dg }))
	t.Cleanup(func() { ch.Stop() })
	return ch, inbox
}

func TestSendAndReceive(t *testing.T) {
	a, _ := startChannel(t)
	b, inboxB := startChannel(t)

	payload := []byte{0x40, 0x00, 0x12, 0x34}
	require.NoError(t, a.Send(payload, "", b.LocalAddr()))

	select {
	case dg := <-inboxB:
		assert.Equal(t, payload, dg.Data)
		assert.Equal(t, b.LocalAddr().String(), dg.Local.String())
		assert.Equal(t, "", dg.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram did not arrive")
	}
}

func TestSendPreservesOrderPerRemote(t *testing.T) {
	a, _ := startChannel(t)
	b, inboxB := startChannel(t)

	for i := byte(0); i < 8; i++ {
		require.NoError(t, a.Send([]byte{i}, "", b.LocalAddr()))
	}

	// UDP on loopback does not reorder; the channel contract requires
	// FIFO per remote on the send side.
	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < 8 {
		select {
		case dg := <-inboxB:
			got = append(got, dg.Data[0])
		case <-deadline:
			t.Fatalf("only %d of 8 datagrams arrived", len(got))
		}
	}
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, got)
}

func TestStartTwiceFails(t *testing.T) {
	ch, _ := startChannel(t)
	err := ch.Start(context.Background(), func(channel.Datagram) {})
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	ch := New(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, ch.Start(context.Background(), func(channel.Datagram) {}))
	require.NoError(t, ch.Stop())
	assert.NoError(t, ch.Stop())
}

func TestSendBeforeStartFails(t *testing.T) {
	ch := New(Config{})
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5683")
	assert.Error(t, ch.Send([]byte{1}, "", addr))
}

func TestGetSessionIsEmpty(t *testing.T) {
	ch, _ := startChannel(t)
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5683")
	session, err := ch.GetSession(addr)
	require.NoError(t, err)
	assert.Equal(t, "", session)
}

func TestIsReliable(t *testing.T) {
	assert.False(t, New(Config{}).IsReliable())
}
