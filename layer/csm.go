package layer

import (
	"sync"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// CSM signal options (RFC 8323 §5.3); scoped to code class 7 signal
// messages, so their numbers are free to alias request/response option
// numbers from the main IANA registry without ambiguity.
const (
	maxMessageSizeOption    message.OptionID = 2
	blockWiseTransferOption message.OptionID = 4
)

// PeerCapabilities records what a CSM signal message announced about a
// peer. It is exposed through CSMLayer.Capabilities; the Blockwise layer
// does not read it and keeps its configured block size.
type PeerCapabilities struct {
	MaxMessageSize    uint32
	BlockWiseTransfer bool
}

// CSMLayer sits innermost, below Reliability, and only does anything
// for signal messages exchanged over the reliable-transport test
// harness; ordinary UDP/DTLS CoAP exchanges never reach its non-default
// paths. It is a thin pass-through that records capability announcements,
// readable through Capabilities.
type CSMLayer struct {
	BaseLayer

	mu    sync.Mutex
	peers map[string]*PeerCapabilities
}

func NewCSMLayer() *CSMLayer {
	return &CSMLayer{peers: make(map[string]*PeerCapabilities)}
}

// Capabilities returns what remote last announced via CSM, or nil if no
// CSM has been seen for it yet.
func (c *CSMLayer) Capabilities(remote string) *PeerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[remote]
}

func (c *CSMLayer) ReceiveEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	if !msg.Code.IsSignal() || msg.Code != message.SignalCSM {
		c.BaseLayer.ReceiveEmptyMessage(ex, msg)
		return
	}

	caps := &PeerCapabilities{MaxMessageSize: 1152, BlockWiseTransfer: false}
	if v := msg.Options.GetUint32(maxMessageSizeOption); v != 0 {
		caps.MaxMessageSize = v
	}
	if msg.Options.Has(blockWiseTransferOption) {
		caps.BlockWiseTransfer = true
	}

	remote := ""
	if ex != nil && ex.RemoteAddr != nil {
		remote = ex.RemoteAddr.String()
	}
	c.mu.Lock()
	c.peers[remote] = caps
	c.mu.Unlock()

	c.BaseLayer.ReceiveEmptyMessage(ex, msg)
}

var _ Layer = (*CSMLayer)(nil)
