package message

import (
	"fmt"
	"net/url"
	"strconv"
)

// DefaultPort is the default "coap" scheme port.
const DefaultPort = 5683

// DefaultSecurePort is the default "coaps" (DTLS) scheme port.
const DefaultSecurePort = 5684

// acceptedSchemes is the set the engine understands; coap+udp and
// coaps+udp are accepted aliases.
var acceptedSchemes = map[string]bool{
	"coap": true, "coap+udp": true,
	"coaps": true, "coaps+udp": true,
}

// SchemeError reports an outgoing URI scheme this endpoint does not serve.
type SchemeError struct {
	Scheme string
}

func (e *SchemeError) Error() string { return "coap: unsupported URI scheme " + e.Scheme }

// SetURI decomposes target into Uri-Host/Port/Path/Query options on m.
// Uri-Host is set whenever the URL names a host and Uri-Port whenever
// it names a port; existing Uri-* options are replaced.
func (m *Message) SetURI(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("coap: parse URI %q: %w", target, err)
	}
	if !acceptedSchemes[u.Scheme] {
		return &SchemeError{Scheme: u.Scheme}
	}

	m.RemoveOption(UriHost)
	m.RemoveOption(UriPort)
	m.RemoveOption(UriPath)
	m.RemoveOption(UriQuery)

	if host := u.Hostname(); host != "" {
		m.AddOption(UriHost, host)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("coap: parse port %q: %w", p, err)
		}
		m.AddOption(UriPort, uint32(port))
	}
	m.SetPath(u.Path)
	for k, vs := range u.Query() {
		for _, v := range vs {
			m.AddOption(UriQuery, k+"="+v)
		}
	}
	return nil
}

// URI reconstructs a coap(s)://host[:port]/path?query string from the
// message's options. secure selects the coaps scheme/default port.
func (m Message) URI(secure bool) string {
	scheme := "coap"
	port := DefaultPort
	if secure {
		scheme = "coaps"
		port = DefaultSecurePort
	}
	host := m.Options.GetString(UriHost)
	if host == "" {
		host = "localhost"
	}
	if p := m.Options.GetUint32(UriPort); p != 0 {
		port = int(p)
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", host, port), Path: m.Options.PathString()}
	if qs := m.Options.Query(); len(qs) > 0 {
		q := url.Values{}
		for _, kv := range qs {
			q.Add(kv, "")
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
