// Package channel defines the abstract datagram transport contract the
// Endpoint pumps bytes through. Two concrete
// implementations ship with this repo: plain UDP (channel/udp) and
// DTLS-over-UDP (channel/dtls).
package channel

import (
	"context"
	"net"
)

// Datagram is one inbound packet delivered by a Channel, carrying
// enough addressing/session context for the Endpoint to route it and
// stamp outgoing replies correctly.
type Datagram struct {
	Data    []byte
	Remote  net.Addr
	Local   net.Addr
	Session string
}

// Channel is the abstract datagram transport.
type Channel interface {
	// Start begins delivering inbound datagrams to receive until Stop is
	// called; canceling ctx alone does not stop delivery.
	Start(ctx context.Context, receive func(Datagram)) error
	Stop() error

	// Send writes data to remote over the given session (DTLS) or
	// ignores session for plain UDP.
	Send(data []byte, session string, remote net.Addr) error

	// GetSession resolves (or establishes) the session identity for a
	// remote peer; plain UDP channels return "".
	GetSession(remote net.Addr) (string, error)

	// AddMulticastAddress joins a multicast group for receiving.
	AddMulticastAddress(group *net.UDPAddr) error

	// IsReliable is always false for CoAP's datagram channels; CoAP's
	// own Reliability layer does not depend on transport ordering.
	IsReliable() bool
}

// Session carries the transport-level identity of one peer session. For
// DTLS it exposes the peer's authenticated identity;
// plain UDP has no sessions and never produces one.
type Session struct {
	ID string

	// AuthenticationKey is the PSK identity the peer presented, nil for
	// certificate-authenticated or unauthenticated sessions.
	AuthenticationKey []byte

	// AuthenticationCertificate is the peer's leaf certificate in DER
	// form, nil for PSK sessions.
	AuthenticationCertificate []byte
}

// Buffers bundles the datagram buffer tuning knobs that
// both channel implementations honor.
type Buffers struct {
	ReceiveBufferSize int
	SendBufferSize    int
	ReceivePacketSize int
}

// DefaultReceivePacketSize bounds one datagram read when no explicit
// ChannelReceivePacketSize was configured; 64 KiB covers the largest
// possible UDP payload.
const DefaultReceivePacketSize = 64 * 1024

func (b Buffers) PacketSize() int {
	if b.ReceivePacketSize > 0 {
		return b.ReceivePacketSize
	}
	return DefaultReceivePacketSize
}
