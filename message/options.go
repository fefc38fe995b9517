package message

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// OptionID is the small integer option number (RFC 7252 §5.10).
type OptionID uint16

const (
	IfMatch       OptionID = 1
	UriHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	UriPort       OptionID = 7
	LocationPath  OptionID = 8
	UriPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	UriQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyUri      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// format describes how an option's value is encoded on the wire.
type format int

const (
	formatEmpty format = iota
	formatOpaque
	formatUint
	formatString
)

type optionDef struct {
	name           string
	format         format
	minLen, maxLen int
	repeatable     bool
}

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {"If-Match", formatOpaque, 0, 8, true},
	UriHost:       {"Uri-Host", formatString, 1, 255, false},
	ETag:          {"ETag", formatOpaque, 1, 8, true},
	IfNoneMatch:   {"If-None-Match", formatEmpty, 0, 0, false},
	Observe:       {"Observe", formatUint, 0, 3, false},
	UriPort:       {"Uri-Port", formatUint, 0, 2, false},
	LocationPath:  {"Location-Path", formatString, 0, 255, true},
	UriPath:       {"Uri-Path", formatString, 0, 255, true},
	ContentFormat: {"Content-Format", formatUint, 0, 2, false},
	MaxAge:        {"Max-Age", formatUint, 0, 4, false},
	UriQuery:      {"Uri-Query", formatString, 0, 255, true},
	Accept:        {"Accept", formatUint, 0, 2, false},
	LocationQuery: {"Location-Query", formatString, 0, 255, true},
	Block2:        {"Block2", formatUint, 0, 3, false},
	Block1:        {"Block1", formatUint, 0, 3, false},
	Size2:         {"Size2", formatUint, 0, 4, false},
	ProxyUri:      {"Proxy-Uri", formatString, 1, 1034, false},
	ProxyScheme:   {"Proxy-Scheme", formatString, 1, 255, false},
	Size1:         {"Size1", formatUint, 0, 4, false},
}

// IsCritical reports whether the option number is critical (odd, RFC 7252
// §5.4.1): an unrecognized critical option must reject the message.
func (id OptionID) IsCritical() bool { return id&1 == 1 }

// IsUnsafe reports whether the option is unsafe-to-forward (bit 1).
func (id OptionID) IsUnsafe() bool { return id&2 == 2 }

// IsNoCacheKey reports the no-cache-key pattern (bits 2-4 == 0b111, RFC
// 7252 §5.4.6).
func (id OptionID) IsNoCacheKey() bool { return id&0x1e == 0x1c }

func (id OptionID) String() string {
	if d, ok := optionDefs[id]; ok {
		return d.name
	}
	return "Option(" + strconv.Itoa(int(id)) + ")"
}

// Option is one tagged option on a Message. Value holds []byte (opaque),
// string, or uint32 depending on the option's format.
type Option struct {
	ID    OptionID
	Value interface{}
}

// Options is an ordered option list; it implements sort.Interface in
// ascending-ID order, stable on ties (RFC 7252 requires strictly
// increasing option numbers, but same-number repeats keep insertion
// order relative to each other).
type Options []Option

func (o Options) Len() int           { return len(o) }
func (o Options) Less(i, j int) bool { return o[i].ID < o[j].ID }
func (o Options) Swap(i, j int)      { o[i], o[j] = o[j], o[i] }

// Without returns a copy of o with every option matching id removed.
func (o Options) Without(id OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// Get returns all values for a given option id, in order.
func (o Options) Get(id OptionID) []interface{} {
	var vals []interface{}
	for _, opt := range o {
		if opt.ID == id {
			vals = append(vals, opt.Value)
		}
	}
	return vals
}

// GetString returns the first value for id as a string, or "" if absent.
func (o Options) GetString(id OptionID) string {
	for _, opt := range o {
		if opt.ID == id {
			if s, ok := opt.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// GetUint32 returns the first value for id as a uint32, 0 if absent.
func (o Options) GetUint32(id OptionID) uint32 {
	for _, opt := range o {
		if opt.ID == id {
			if v, ok := opt.Value.(uint32); ok {
				return v
			}
		}
	}
	return 0
}

// Has reports whether any option with id is present.
func (o Options) Has(id OptionID) bool {
	for _, opt := range o {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// Path reassembles the Uri-Path options into a slice of segments.
func (o Options) Path() []string {
	var segs []string
	for _, v := range o.Get(UriPath) {
		segs = append(segs, v.(string))
	}
	return segs
}

// PathString joins Path() with "/", with a leading slash.
func (o Options) PathString() string {
	return "/" + strings.Join(o.Path(), "/")
}

// Query reassembles the Uri-Query options.
func (o Options) Query() []string {
	var qs []string
	for _, v := range o.Get(UriQuery) {
		qs = append(qs, v.(string))
	}
	return qs
}

// SetPath replaces any existing Uri-Path options with one per segment of
// path (split on "/", empty segments skipped).
func (m *Message) SetPath(path string) {
	m.RemoveOption(UriPath)
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		m.AddOption(UriPath, seg)
	}
}

// encodeUint produces the minimal big-endian representation of v, per RFC
// 7252 §3.2 (a zero value encodes as zero bytes).
func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b[1:]
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// valueBytes renders an option's Value field to wire bytes.
func (o Option) valueBytes() ([]byte, error) {
	switch v := o.Value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case uint32:
		return encodeUint(v), nil
	case int:
		if v < 0 {
			return nil, &FormatError{Reason: "negative uint option " + o.ID.String()}
		}
		return encodeUint(uint32(v)), nil
	default:
		return nil, &FormatError{Reason: "unsupported option value type for " + o.ID.String()}
	}
}

// decodedValue converts raw wire bytes into the Go value appropriate for
// id's registered format (opaque ids default to []byte).
func decodedValue(id OptionID, raw []byte) interface{} {
	def, known := optionDefs[id]
	if !known {
		return append([]byte(nil), raw...)
	}
	switch def.format {
	case formatEmpty:
		return nil
	case formatUint:
		return decodeUint(raw)
	case formatString:
		return string(raw)
	default:
		return append([]byte(nil), raw...)
	}
}
