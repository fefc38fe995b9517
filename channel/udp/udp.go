// Package udp is the plain-UDP implementation of channel.Channel: one
// net.UDPConn shared by every peer, with multicast group membership
// managed through golang.org/x/net/ipv4.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/coapcore/coap/channel"
)

// multicastTTL is the hop limit stamped on outgoing multicast
// datagrams.
const multicastTTL = 64

// Config tunes one UDP channel.
type Config struct {
	// ListenAddr is the local bind address, e.g. ":5683". Empty binds an
	// ephemeral port on all interfaces (the client-side default).
	ListenAddr string

	Buffers channel.Buffers

	Log *zap.Logger
}

// Channel is a channel.Channel over a single UDP socket.
type Channel struct {
	cfg    Config
	log    *zap.Logger
	packet *ipv4.PacketConn

	mu      sync.Mutex
	conn    *net.UDPConn
	started bool
	closed  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Channel {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{cfg: cfg, log: log}
}

// Start binds the socket and spawns the read loop. The loop runs until
// Stop closes the socket; a canceled ctx ends it only when a read fails.
func (c *Channel) Start(ctx context.Context, receive func(channel.Datagram)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coap: udp channel already started")
	}

	laddr, err := net.ResolveUDPAddr("udp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("coap: resolve listen address %q: %w", c.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("coap: bind udp: %w", err)
	}

	if n := c.cfg.Buffers.ReceiveBufferSize; n > 0 {
		if err := conn.SetReadBuffer(n); err != nil {
			c.log.Warn("failed to set receive buffer size", zap.Int("bytes", n), zap.Error(err))
		}
	}
	if n := c.cfg.Buffers.SendBufferSize; n > 0 {
		if err := conn.SetWriteBuffer(n); err != nil {
			c.log.Warn("failed to set send buffer size", zap.Int("bytes", n), zap.Error(err))
		}
	}

	// The ipv4.PacketConn wrapper is what lets us join multicast groups
	// and keep the loopback off so we never receive our own
	// notifications back.
	packet := ipv4.NewPacketConn(conn)
	if err := packet.SetMulticastTTL(multicastTTL); err != nil {
		c.log.Warn("failed to set multicast TTL", zap.Error(err))
	}
	if err := packet.SetMulticastLoopback(false); err != nil {
		c.log.Warn("failed to disable multicast loopback", zap.Error(err))
	}

	c.conn = conn
	c.packet = packet
	c.started = true
	c.closed = make(chan struct{})

	c.wg.Add(1)
	go c.readLoop(ctx, receive)

	c.log.Info("udp channel listening", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

func (c *Channel) readLoop(ctx context.Context, receive func(channel.Datagram)) {
	defer c.wg.Done()
	local := c.conn.LocalAddr()
	buf := make([]byte, c.cfg.Buffers.PacketSize())
	for {
		n, remote, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			case <-c.closed:
			default:
				c.log.Warn("udp read failed", zap.Error(err))
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		receive(channel.Datagram{Data: data, Remote: remote, Local: local})
	}
}

// Stop closes the socket and waits for the read loop to exit. Safe to
// call more than once.
func (c *Channel) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.closed)
	conn := c.conn
	c.mu.Unlock()

	err := conn.Close()
	c.wg.Wait()
	return err
}

// Send writes one datagram; session is ignored, plain UDP has none.
// net.UDPConn serializes concurrent writes, preserving per-remote FIFO
// ordering.
func (c *Channel) Send(data []byte, _ string, remote net.Addr) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("coap: udp channel not started")
	}
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("coap: udp channel cannot send to %T address", remote)
	}
	_, err := conn.WriteToUDP(data, udpAddr)
	return err
}

// GetSession always returns the empty session: plain UDP peers carry no
// transport identity.
func (c *Channel) GetSession(net.Addr) (string, error) { return "", nil }

// AddMulticastAddress joins group on every interface (nil interface
// selects the system default, per x/net/ipv4 semantics).
func (c *Channel) AddMulticastAddress(group *net.UDPAddr) error {
	c.mu.Lock()
	packet := c.packet
	c.mu.Unlock()
	if packet == nil {
		return errors.New("coap: udp channel not started")
	}
	if err := packet.JoinGroup(nil, group); err != nil {
		return fmt.Errorf("coap: join multicast group %s: %w", group, err)
	}
	return nil
}

func (c *Channel) IsReliable() bool { return false }

// LocalAddr exposes the bound address once started, mainly so tests and
// CLI output can report the ephemeral port that was picked.
func (c *Channel) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

var _ channel.Channel = (*Channel)(nil)
