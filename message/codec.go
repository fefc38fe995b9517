package message

import (
	"bytes"
)

// Kind discriminates the four message shapes a decode can produce.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEmpty
	KindSignal
)

// Classify returns the Kind of an already-built Message, the same rule
// the Codec's Decode uses to tag freshly parsed bytes.
func Classify(m Message) Kind {
	switch {
	case m.Code.IsSignal():
		return KindSignal
	case m.Code == Empty:
		return KindEmpty
	case m.Code.IsRequest():
		return KindRequest
	default:
		return KindResponse
	}
}

const (
	version       = 1
	payloadMarker = 0xFF
)

// Encode renders m to wire bytes per RFC 7252 §3. Options are sorted by
// ID first (stable, so repeated options keep relative order); Encode does
// not mutate m's original Options slice ordering observed by the caller
// beyond what SortOptions already established.
func Encode(m Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, &FormatError{Reason: "token too long"}
	}
	if (m.Type == Acknowledgement || m.Type == Reset) && m.Code != Empty && len(m.Payload) > 0 && m.Code.Class() == 0 {
		return nil, &FormatError{Reason: "non-piggyback payload on ACK/RST with request code"}
	}

	opts := append(Options(nil), m.Options...)
	bySort := optionsForEncode(opts)

	var buf bytes.Buffer
	buf.WriteByte(byte(version<<6) | byte(m.Type)<<4 | byte(len(m.Token)&0xf))
	buf.WriteByte(byte(m.Code))
	buf.WriteByte(byte(m.ID >> 8))
	buf.WriteByte(byte(m.ID))
	buf.Write(m.Token)

	prev := 0
	for _, o := range bySort {
		val, err := o.valueBytes()
		if err != nil {
			return nil, err
		}
		delta := int(o.ID) - prev
		if delta < 0 {
			return nil, &FormatError{Reason: "options not sorted"}
		}
		if err := writeOptionHeader(&buf, delta, len(val)); err != nil {
			return nil, err
		}
		buf.Write(val)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}

// optionsForEncode returns a stably-sorted copy (Encode must not depend
// on the caller having already called SortOptions).
func optionsForEncode(o Options) Options {
	out := append(Options(nil), o...)
	insertionSortStable(out)
	return out
}

// insertionSortStable avoids importing sort just for a small, already
// nearly-ordered slice in the hot encode path; behaves like sort.Stable.
func insertionSortStable(o Options) {
	for i := 1; i < len(o); i++ {
		j := i
		for j > 0 && o[j-1].ID > o[j].ID {
			o[j-1], o[j] = o[j], o[j-1]
			j--
		}
	}
}

func writeOptionHeader(buf *bytes.Buffer, delta, length int) error {
	dNib, dExt, err := nibbleAndExtension(delta)
	if err != nil {
		return err
	}
	lNib, lExt, err := nibbleAndExtension(length)
	if err != nil {
		return err
	}
	buf.WriteByte(byte(dNib<<4) | byte(lNib))
	if dNib == 13 {
		buf.WriteByte(byte(dExt))
	} else if dNib == 14 {
		buf.WriteByte(byte(dExt >> 8))
		buf.WriteByte(byte(dExt))
	}
	if lNib == 13 {
		buf.WriteByte(byte(lExt))
	} else if lNib == 14 {
		buf.WriteByte(byte(lExt >> 8))
		buf.WriteByte(byte(lExt))
	}
	return nil
}

// nibbleAndExtension maps a delta-or-length value to its 4-bit nibble plus
// any extended value, per RFC 7252 §3.1.
func nibbleAndExtension(v int) (nibble int, ext int, err error) {
	switch {
	case v < 13:
		return v, 0, nil
	case v < 13+256:
		return 13, v - 13, nil
	case v < 13+256+65536:
		return 14, v - 13 - 256, nil
	default:
		return 0, 0, &FormatError{Reason: "option delta or length too large"}
	}
}

// Decode parses wire bytes into a Message and classifies it. It rejects
// malformed headers, out-of-order/overflowing option deltas, unknown
// critical options, and a payload marker with no following bytes.
func Decode(data []byte) (Message, Kind, error) {
	if len(data) < 4 {
		return Message{}, 0, &FormatError{Reason: "short header"}
	}
	if data[0]>>6 != version {
		return Message{}, 0, &FormatError{Reason: "bad version"}
	}
	var m Message
	m.Type = Type((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > MaxTokenLength {
		return Message{}, 0, &FormatError{Reason: "token length > 8"}
	}
	m.Code = Code(data[1])
	m.ID = uint16(data[2])<<8 | uint16(data[3])

	rest := data[4:]
	if len(rest) < tkl {
		return Message{}, 0, &FormatError{Reason: "truncated token"}
	}
	// TKL=0 is a present-but-empty token on the wire; nil is reserved
	// for "not yet assigned" inside the engine, so Decode always
	// produces a non-nil slice.
	m.Token = append([]byte{}, rest[:tkl]...)
	rest = rest[tkl:]

	prev := 0
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			rest = rest[1:]
			if len(rest) == 0 {
				return Message{}, 0, &FormatError{Reason: "payload marker with no payload"}
			}
			m.Payload = append([]byte(nil), rest...)
			rest = nil
			break
		}

		deltaNib := int(rest[0] >> 4)
		lenNib := int(rest[0] & 0xf)
		rest = rest[1:]

		delta, rest2, err := readExtension(deltaNib, rest)
		if err != nil {
			return Message{}, 0, err
		}
		rest = rest2

		length, rest3, err := readExtension(lenNib, rest)
		if err != nil {
			return Message{}, 0, err
		}
		rest = rest3

		if len(rest) < length {
			return Message{}, 0, &FormatError{Reason: "truncated option value"}
		}

		id := OptionID(prev + delta)
		raw := rest[:length]
		rest = rest[length:]
		prev = int(id)

		if _, known := optionDefs[id]; !known && id.IsCritical() {
			return Message{}, 0, &UnknownCriticalOptionError{
				FormatError: FormatError{Reason: "unknown critical option"},
				Option:      id,
			}
		}

		m.Options = append(m.Options, Option{ID: id, Value: decodedValue(id, raw)})
	}

	return m, Classify(m), nil
}

// readExtension decodes one nibble's associated delta/length extension,
// returning the resolved integer value and the remaining bytes.
func readExtension(nibble int, b []byte) (int, []byte, error) {
	switch nibble {
	case 15:
		return 0, nil, &FormatError{Reason: "reserved nibble 15 used as delta/length"}
	case 13:
		if len(b) < 1 {
			return 0, nil, &FormatError{Reason: "truncated extended option (8-bit)"}
		}
		return int(b[0]) + 13, b[1:], nil
	case 14:
		if len(b) < 2 {
			return 0, nil, &FormatError{Reason: "truncated extended option (16-bit)"}
		}
		return (int(b[0])<<8 | int(b[1])) + 13 + 256, b[2:], nil
	default:
		return nibble, b, nil
	}
}
