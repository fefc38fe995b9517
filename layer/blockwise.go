package layer

import (
	"time"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// DefaultBlockSize is the preferred block payload size in bytes (szx=6,
// 1024 bytes per RFC 7959 §2.2) used when BlockwiseConfig.BlockSize is
// not set.
const DefaultBlockSize = 1024

// szxFor returns the RFC 7959 szx code for a block size; sizes must be
// a power of two between 16 and 1024.
func szxFor(size int) uint32 {
	switch {
	case size >= 1024:
		return 6
	case size >= 512:
		return 5
	case size >= 256:
		return 4
	case size >= 128:
		return 3
	case size >= 64:
		return 2
	case size >= 32:
		return 1
	default:
		return 0
	}
}

func blockSizeFromSzx(szx uint32) int {
	return 16 << szx
}

// blockState tracks one direction (upload or download) of a block-wise
// transfer in progress for an exchange.
type blockState struct {
	body    []byte
	started time.Time
}

// BlockwiseConfig bundles the block-wise transfer knobs.
type BlockwiseConfig struct {
	BlockSize               int
	BlockwiseStatusLifetime time.Duration
}

func (c BlockwiseConfig) withDefaults() BlockwiseConfig {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.BlockwiseStatusLifetime <= 0 {
		c.BlockwiseStatusLifetime = 4 * time.Minute
	}
	return c
}

// BlockwiseLayer fragments outgoing bodies larger than the preferred
// block size into a Block1 (request) or Block2 (response) sequence, and
// reassembles inbound block sequences before passing the full body
// upward.
type BlockwiseLayer struct {
	BaseLayer
	cfg BlockwiseConfig

	downloads map[*exchange.Exchange]*blockState
	uploads   map[*exchange.Exchange]*blockState
}

func NewBlockwiseLayer(cfg BlockwiseConfig) *BlockwiseLayer {
	return &BlockwiseLayer{
		cfg:       cfg.withDefaults(),
		downloads: make(map[*exchange.Exchange]*blockState),
		uploads:   make(map[*exchange.Exchange]*blockState),
	}
}

// SendResponse fragments resp.Payload into a Block2 sequence when it
// exceeds the configured block size. Only the first block is sent here;
// the Reliability/Matcher layers below drive retransmission of that
// block, and subsequent blocks are emitted as the peer's follow-up
// Block2 requests arrive through SendResponse again with ex.Blockwise
// advancing the cursor (mirrors the Matcher's ongoingBlockwise index).
func (b *BlockwiseLayer) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	if len(resp.Payload) <= b.cfg.BlockSize {
		b.BaseLayer.SendResponse(ex, resp)
		return
	}

	cursor, _ := ex.Blockwise.(*blockCursor)
	if cursor == nil {
		cursor = &blockCursor{body: resp.Payload, size: b.cfg.BlockSize}
		ex.Blockwise = cursor
	}

	num, more, block := cursor.next()
	resp.Payload = block
	resp.SetOption(message.Block2, encodeBlockOption(num, more, b.cfg.BlockSize))
	b.BaseLayer.SendResponse(ex, resp)
}

// ReceiveRequest reassembles an inbound Block1 sequence (request body
// upload). Once the final block (more=false) arrives, the full body is
// installed on req and passed upward; intermediate blocks are consumed
// here without reaching the Deliverer, and this layer sends no reply
// for them.
func (b *BlockwiseLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	if !req.Options.Has(message.Block1) {
		b.BaseLayer.ReceiveRequest(ex, req)
		return
	}

	num, more, _ := decodeBlockOption(req.Options.GetUint32(message.Block1))
	state := b.uploads[ex]
	if state == nil || num == 0 {
		state = &blockState{started: time.Now()}
		b.uploads[ex] = state
	}
	state.body = append(state.body, req.Payload...)

	if more {
		return
	}

	req.Payload = state.body
	delete(b.uploads, ex)
	b.BaseLayer.ReceiveRequest(ex, req)
}

// ReceiveResponse reassembles an inbound Block2 sequence (response body
// download), delivering upward only once the body is complete.
func (b *BlockwiseLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	if !resp.Options.Has(message.Block2) {
		b.BaseLayer.ReceiveResponse(ex, resp)
		return
	}

	num, more, szx := decodeBlockOption(resp.Options.GetUint32(message.Block2))
	state := b.downloads[ex]
	if state == nil || num == 0 {
		state = &blockState{started: time.Now()}
		b.downloads[ex] = state
	}
	state.body = append(state.body, resp.Payload...)

	if more {
		next := message.New(message.Confirmable, message.GET, 0)
		next.Token = resp.Token
		next.SetOption(message.Block2, encodeBlockOption(num+1, false, blockSizeFromSzx(szx)))
		b.BaseLayer.SendRequest(ex, &next)
		return
	}

	resp.Payload = state.body
	delete(b.downloads, ex)
	b.BaseLayer.ReceiveResponse(ex, resp)
}

// blockCursor walks a full body out as fixed-size blocks for an
// outgoing Block2 sequence.
type blockCursor struct {
	body   []byte
	size   int
	offset int
}

func (c *blockCursor) next() (num uint32, more bool, block []byte) {
	num = uint32(c.offset / c.size)
	end := c.offset + c.size
	if end >= len(c.body) {
		end = len(c.body)
		more = false
	} else {
		more = true
	}
	block = c.body[c.offset:end]
	c.offset = end
	return num, more, block
}

// encodeBlockOption packs {num, more, szx} into the RFC 7959 §2.2 wire
// representation.
func encodeBlockOption(num uint32, more bool, size int) uint32 {
	v := num << 4
	if more {
		v |= 0x8
	}
	v |= szxFor(size)
	return v
}

func decodeBlockOption(v uint32) (num uint32, more bool, szx uint32) {
	szx = v & 0x7
	more = v&0x8 != 0
	num = v >> 4
	return num, more, szx
}

var _ Layer = (*BlockwiseLayer)(nil)
