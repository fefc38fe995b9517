package message

// FormatError is returned by Decode for malformed wire messages: bad
// header bits, out-of-order option deltas, an unrecognized critical
// option, or a payload marker with no payload.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "coap: format error: " + e.Reason }

// UnknownCriticalOptionError is a FormatError variant that also reports
// which option number was not understood, so the endpoint can decide
// whether the message still deserves an RST.
type UnknownCriticalOptionError struct {
	FormatError
	Option OptionID
}
