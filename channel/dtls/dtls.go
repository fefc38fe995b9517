// Package dtls is the DTLS-over-UDP implementation of channel.Channel,
// built on github.com/pion/dtls/v2. One Channel multiplexes per-peer
// DTLS sessions over a single listener: the accept loop registers each
// handshaken connection under the peer's address, and a new handshake
// from an already-known peer replaces the prior session. Replacing
// before the old session is torn down deviates from RFC 6347 §4.2.8;
// DESIGN.md records the decision to keep that behavior.
package dtls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v2"
	"github.com/pion/logging"
	"go.uber.org/zap"

	"github.com/coapcore/coap/channel"
)

// Config tunes one DTLS channel. Exactly one of PSK or Certificates
// should be populated; both may be set when serving mixed peers.
type Config struct {
	// ListenAddr is the local bind address for server use, e.g. ":5684".
	// A client-only channel (no inbound handshakes expected) may leave
	// it empty and rely on Dial-on-send.
	ListenAddr string

	// PSK resolves a pre-shared key from the peer's identity hint.
	PSK             func(hint []byte) ([]byte, error)
	PSKIdentityHint []byte

	Certificates       []tls.Certificate
	InsecureSkipVerify bool

	Buffers channel.Buffers

	// LoggerFactory feeds pion's own leveled logging; nil disables it.
	LoggerFactory logging.LoggerFactory

	Log *zap.Logger
}

// session is one live DTLS connection to a peer.
type session struct {
	id   string
	conn *piondtls.Conn
}

// Channel is a channel.Channel over per-peer DTLS sessions multiplexed
// on one UDP socket.
type Channel struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session // keyed by remote address string
	byID     map[string]*session
	started  bool
	closed   chan struct{}
	wg       sync.WaitGroup

	receive func(channel.Datagram)
}

func New(cfg Config) *Channel {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
		byID:     make(map[string]*session),
	}
}

func (c *Channel) dtlsConfig() *piondtls.Config {
	dcfg := &piondtls.Config{
		Certificates:         c.cfg.Certificates,
		InsecureSkipVerify:   c.cfg.InsecureSkipVerify,
		ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
		LoggerFactory:        c.cfg.LoggerFactory,
	}
	if c.cfg.PSK != nil {
		dcfg.PSK = c.cfg.PSK
		dcfg.PSKIdentityHint = c.cfg.PSKIdentityHint
		dcfg.CipherSuites = []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8}
	}
	return dcfg
}

// Start opens the listener (when ListenAddr is set) and begins
// accepting handshakes. Client-only channels start with no listener and
// establish sessions lazily on GetSession/Send.
func (c *Channel) Start(ctx context.Context, receive func(channel.Datagram)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coap: dtls channel already started")
	}
	c.started = true
	c.closed = make(chan struct{})
	c.receive = receive

	if c.cfg.ListenAddr == "" {
		return nil
	}

	laddr, err := net.ResolveUDPAddr("udp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("coap: resolve listen address %q: %w", c.cfg.ListenAddr, err)
	}
	listener, err := piondtls.Listen("udp", laddr, c.dtlsConfig())
	if err != nil {
		return fmt.Errorf("coap: dtls listen: %w", err)
	}
	c.listener = listener

	c.wg.Add(1)
	go c.acceptLoop()

	c.log.Info("dtls channel listening", zap.String("addr", listener.Addr().String()))
	return nil
}

func (c *Channel) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("dtls accept failed", zap.Error(err))
				continue
			}
			return
		}
		dconn, ok := conn.(*piondtls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		c.register(dconn)
	}
}

// register installs conn as the session for its remote peer, replacing
// (and closing) any prior session from the same address.
func (c *Channel) register(conn *piondtls.Conn) *session {
	s := &session{id: uuid.New().String(), conn: conn}
	remote := conn.RemoteAddr().String()

	c.mu.Lock()
	if old, ok := c.sessions[remote]; ok {
		delete(c.byID, old.id)
		old.conn.Close()
		c.log.Info("replacing dtls session for peer", zap.String("remote", remote))
	}
	c.sessions[remote] = s
	c.byID[s.id] = s
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(s)
	return s
}

func (c *Channel) readLoop(s *session) {
	defer c.wg.Done()
	local := s.conn.LocalAddr()
	remote := s.conn.RemoteAddr()
	buf := make([]byte, c.cfg.Buffers.PacketSize())
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			c.drop(s)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.receive(channel.Datagram{Data: data, Remote: remote, Local: local, Session: s.id})
	}
}

func (c *Channel) drop(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.byID[s.id]; ok && current == s {
		delete(c.byID, s.id)
		delete(c.sessions, s.conn.RemoteAddr().String())
	}
}

// Stop closes every session and the listener, then waits for the
// accept/read loops. Safe to call more than once.
func (c *Channel) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.closed)
	listener := c.listener
	c.listener = nil
	sessions := make([]*session, 0, len(c.byID))
	for _, s := range c.byID {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session)
	c.byID = make(map[string]*session)
	c.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, s := range sessions {
		s.conn.Close()
	}
	c.wg.Wait()
	return err
}

// Send writes data over the session named by session, or over the
// current session for remote when session is empty, dialing a fresh one
// if the peer is unknown. The per-session DTLS connection serializes
// writes, preserving per-(session, remote) FIFO ordering.
func (c *Channel) Send(data []byte, sessionID string, remote net.Addr) error {
	s, err := c.sessionFor(sessionID, remote)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

func (c *Channel) sessionFor(sessionID string, remote net.Addr) (*session, error) {
	c.mu.Lock()
	if sessionID != "" {
		if s, ok := c.byID[sessionID]; ok {
			c.mu.Unlock()
			return s, nil
		}
	}
	if remote != nil {
		if s, ok := c.sessions[remote.String()]; ok {
			c.mu.Unlock()
			return s, nil
		}
	}
	c.mu.Unlock()

	if remote == nil {
		return nil, errors.New("coap: dtls session not found and no remote address to dial")
	}
	return c.dial(remote)
}

func (c *Channel) dial(remote net.Addr) (*session, error) {
	raddr, ok := remote.(*net.UDPAddr)
	if !ok {
		var err error
		raddr, err = net.ResolveUDPAddr("udp", remote.String())
		if err != nil {
			return nil, fmt.Errorf("coap: resolve dtls peer %s: %w", remote, err)
		}
	}
	conn, err := piondtls.Dial("udp", raddr, c.dtlsConfig())
	if err != nil {
		return nil, fmt.Errorf("coap: dtls dial %s: %w", remote, err)
	}
	return c.register(conn), nil
}

// GetSession resolves (dialing if needed) the session identity for
// remote.
func (c *Channel) GetSession(remote net.Addr) (string, error) {
	s, err := c.sessionFor("", remote)
	if err != nil {
		return "", err
	}
	return s.id, nil
}

// Session reports the authenticated identity behind a session id: the
// PSK identity hint or the peer's leaf certificate.
func (c *Channel) Session(id string) (channel.Session, bool) {
	c.mu.Lock()
	s, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return channel.Session{}, false
	}
	state := s.conn.ConnectionState()
	out := channel.Session{ID: s.id, AuthenticationKey: state.IdentityHint}
	if len(state.PeerCertificates) > 0 {
		out.AuthenticationCertificate = state.PeerCertificates[0]
	}
	return out, true
}

// AddMulticastAddress is unsupported: DTLS secures unicast flows only.
func (c *Channel) AddMulticastAddress(*net.UDPAddr) error {
	return errors.New("coap: multicast is not available over dtls")
}

func (c *Channel) IsReliable() bool { return false }

var _ channel.Channel = (*Channel)(nil)
