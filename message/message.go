// Package message is the in-memory representation of a CoAP message
// (RFC 7252 §3) and the pure codec between that representation and wire
// bytes. It owns no sockets, no timers, and no matching state — everything
// here is a value type.
package message

import (
	"fmt"
	"sort"
)

// Type is the 2-bit CoAP message type.
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

var typeNames = [...]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Code is the 3-bit class / 5-bit detail method-or-status code.
type Code uint8

// Request codes.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response codes.
const (
	Created                  Code = 65  // 2.01
	Deleted                  Code = 66  // 2.02
	Valid                    Code = 67  // 2.03
	Changed                  Code = 68  // 2.04
	Content                  Code = 69  // 2.05
	Continue                 Code = 95  // 2.31
	BadRequest               Code = 128 // 4.00
	Unauthorized             Code = 129 // 4.01
	BadOption                Code = 130 // 4.02
	Forbidden                Code = 131 // 4.03
	NotFound                 Code = 132 // 4.04
	MethodNotAllowed         Code = 133 // 4.05
	NotAcceptable            Code = 134 // 4.06
	RequestEntityIncomplete  Code = 136 // 4.08
	PreconditionFailed       Code = 140 // 4.12
	RequestEntityTooLarge    Code = 141 // 4.13
	UnsupportedContentFormat Code = 143 // 4.15
	InternalServerError      Code = 160 // 5.00
	NotImplemented           Code = 161 // 5.01
	BadGateway               Code = 162 // 5.02
	ServiceUnavailable       Code = 163 // 5.03
	GatewayTimeout           Code = 164 // 5.04
	ProxyingNotSupported     Code = 165 // 5.05

	// Empty is the code of an EmptyMessage (bare ACK/RST/ping).
	Empty Code = 0
)

// Signal codes, used by the reliable-transport test harness only
// ; not part of ordinary UDP/DTLS exchanges.
const (
	SignalCSM     Code = 225 // 7.01
	SignalPing    Code = 226 // 7.02
	SignalPong    Code = 227 // 7.03
	SignalRelease Code = 228 // 7.04
	SignalAbort   Code = 229 // 7.05
)

var codeNames = map[Code]string{
	GET: "GET", POST: "POST", PUT: "PUT", DELETE: "DELETE", FETCH: "FETCH", PATCH: "PATCH", IPATCH: "IPATCH",
	Created: "2.01 Created", Deleted: "2.02 Deleted", Valid: "2.03 Valid", Changed: "2.04 Changed",
	Content: "2.05 Content", Continue: "2.31 Continue",
	BadRequest: "4.00 BadRequest", Unauthorized: "4.01 Unauthorized", BadOption: "4.02 BadOption",
	Forbidden: "4.03 Forbidden", NotFound: "4.04 NotFound", MethodNotAllowed: "4.05 MethodNotAllowed",
	NotAcceptable: "4.06 NotAcceptable", RequestEntityIncomplete: "4.08 RequestEntityIncomplete",
	PreconditionFailed: "4.12 PreconditionFailed", RequestEntityTooLarge: "4.13 RequestEntityTooLarge",
	UnsupportedContentFormat: "4.15 UnsupportedContentFormat",
	InternalServerError:      "5.00 InternalServerError", NotImplemented: "5.01 NotImplemented",
	BadGateway: "5.02 BadGateway", ServiceUnavailable: "5.03 ServiceUnavailable",
	GatewayTimeout: "5.04 GatewayTimeout", ProxyingNotSupported: "5.05 ProxyingNotSupported",
	Empty:     "0.00 Empty",
	SignalCSM: "7.01 CSM", SignalPing: "7.02 Ping", SignalPong: "7.03 Pong",
	SignalRelease: "7.04 Release", SignalAbort: "7.05 Abort",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1f)
}

// Class returns the 3-bit response class (0 for requests/empty, 2/4/5 for
// responses).
func (c Code) Class() int { return int(c >> 5) }

// IsRequest reports whether c is one of the registered request methods.
func (c Code) IsRequest() bool {
	switch c {
	case GET, POST, PUT, DELETE, FETCH, PATCH, IPATCH:
		return true
	}
	return false
}

// IsResponse reports whether c's class is 2, 4, or 5.
func (c Code) IsResponse() bool {
	switch c.Class() {
	case 2, 4, 5:
		return true
	}
	return false
}

// IsSignal reports whether c is one of the 7.xx signal codes.
func (c Code) IsSignal() bool { return c.Class() == 7 }

// MaxTokenLength is the RFC 7252 maximum token length in bytes.
const MaxTokenLength = 8

// Message is the base entity of the protocol: a CoAP message,
// independent of how it arrived or where it is going. Transport
// bookkeeping travels on the struct itself so the engine never needs a
// side table keyed by message.
type Message struct {
	Type    Type
	Code    Code
	ID      uint16
	Token   []byte
	Options Options
	Payload []byte

	// Duplicate is set by the Matcher when this inbound message was
	// recognized as a retransmission.
	Duplicate bool

	// Cancelled is set by a client wishing to abort an in-flight send; the
	// stack checks it at each layer boundary.
	Cancelled bool

	// Source and Destination are stamped by the Endpoint on decode/send
	//; they carry net.Addr but message stays decoupled
	// from net by typing them as fmt.Stringer-compatible opaque values.
	Source      Addr
	Destination Addr
	Session     string
}

// Addr is the minimal network-address contract Message needs, satisfied
// by *net.UDPAddr and any other net.Addr without message importing net.
type Addr interface {
	Network() string
	String() string
}

// New builds a bare Message with no options, no token, and no payload.
func New(t Type, code Code, id uint16) Message {
	return Message{Type: t, Code: code, ID: id}
}

// IsConfirmable reports t == Confirmable.
func (m Message) IsConfirmable() bool { return m.Type == Confirmable }

// IsEmpty reports whether this is an EmptyMessage: code 0 and no
// payload.
func (m Message) IsEmpty() bool { return m.Code == Empty && len(m.Payload) == 0 }

// Clone returns a deep copy of m, safe to mutate independently.
func (m Message) Clone() Message {
	c := m
	if m.Token != nil {
		c.Token = append([]byte(nil), m.Token...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Options != nil {
		c.Options = append(Options(nil), m.Options...)
	}
	return c
}

// AddOption appends an option; call SortOptions before Encode.
func (m *Message) AddOption(id OptionID, value interface{}) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

// SetOption replaces all existing values for id with a single value.
func (m *Message) SetOption(id OptionID, value interface{}) {
	m.RemoveOption(id)
	m.AddOption(id, value)
}

// RemoveOption drops every option with the given id.
func (m *Message) RemoveOption(id OptionID) {
	m.Options = m.Options.Without(id)
}

// SortOptions orders options by ascending option number, stable on ties,
// as RFC 7252 §3.1 requires for delta encoding.
func (m *Message) SortOptions() {
	sort.Stable(m.Options)
}

// String gives a short human-readable summary for debug logging.
func (m Message) String() string {
	return fmt.Sprintf("%s %s id=%d token=%x opts=%d payload=%dB",
		m.Type, m.Code, m.ID, m.Token, len(m.Options), len(m.Payload))
}
