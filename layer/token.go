package layer

import (
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// TokenLayer enforces the token invariant at the stack boundary: every
// message that crosses it carries a token no longer than the RFC 7252
// maximum, and inbound messages with an absent (nil) token are
// rejected. A nil token on an outgoing request is left
// alone here; the Matcher below assigns a fresh unique one, and after
// that point "no token" is always the explicit empty slice, never nil.
type TokenLayer struct {
	BaseLayer
}

func NewTokenLayer() *TokenLayer { return &TokenLayer{} }

func (t *TokenLayer) SendRequest(ex *exchange.Exchange, req *message.Message) {
	if len(req.Token) > message.MaxTokenLength {
		ex.Fail(&message.FormatError{Reason: "request token longer than 8 bytes"})
		return
	}
	t.BaseLayer.SendRequest(ex, req)
}

func (t *TokenLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Message) {
	if req.Token == nil {
		ex.Fail(&message.FormatError{Reason: "request token is nil, want empty slice at worst"})
		return
	}
	t.BaseLayer.ReceiveRequest(ex, req)
}

func (t *TokenLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Message) {
	if resp.Token == nil {
		ex.Fail(&message.FormatError{Reason: "response token is nil, want empty slice at worst"})
		return
	}
	t.BaseLayer.ReceiveResponse(ex, resp)
}

var _ Layer = (*TokenLayer)(nil)
