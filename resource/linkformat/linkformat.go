// Package linkformat implements RFC 6690 web-linking serialization, the
// format the /.well-known/core resource uses to advertise a CoAP
// server's resource tree.
package linkformat

import (
	"fmt"
	"strconv"
	"strings"
)

// multiValueAttrs take space-separated multi-values; the rest are
// single-valued (RFC 6690 §2).
var multiValueAttrs = map[string]bool{
	"rt": true, "rev": true, "if": true, "rel": true,
}

// singleOccurrenceAttrs must appear at most once per link in strict
// mode.
var singleOccurrenceAttrs = map[string]bool{
	"title": true, "sz": true, "obs": true,
}

// Attr is one link-parameter, holding either Value (single) or Values
// (space-joined multi-value attribute); Value == "" and Values == nil
// means a flag attribute with no value (e.g. "obs").
type Attr struct {
	Name   string
	Value  string
	Values []string
}

func (a Attr) isFlag() bool { return a.Value == "" && len(a.Values) == 0 }

func (a Attr) isNumeric() bool {
	_, err := strconv.Atoi(a.Value)
	return err == nil
}

// Link is one web-link: a target URI-reference plus its attributes.
type Link struct {
	Target string
	Attrs  []Attr
}

// Get returns the first attribute named name, if present.
func (l Link) Get(name string) (Attr, bool) {
	for _, a := range l.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attr{}, false
}

// Encode renders links as a comma-separated RFC 6690 link-format body.
func Encode(links []Link) string {
	items := make([]string, 0, len(links))
	for _, l := range links {
		items = append(items, encodeLink(l))
	}
	return strings.Join(items, ",")
}

func encodeLink(l Link) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", l.Target)
	for _, a := range l.Attrs {
		b.WriteByte(';')
		b.WriteString(a.Name)
		switch {
		case a.isFlag():
			// no value
		case len(a.Values) > 0:
			fmt.Fprintf(&b, "=%q", strings.Join(a.Values, " "))
		case a.isNumeric():
			b.WriteByte('=')
			b.WriteString(a.Value)
		default:
			fmt.Fprintf(&b, "=%q", a.Value)
		}
	}
	return b.String()
}

// FormatError reports a link-format body that violates RFC 6690's
// grammar or, in strict mode, an attribute-occurrence rule.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "link-format: " + e.Reason }

// Mode selects how strictly Parse enforces single-occurrence attribute
// rules.
type Mode int

const (
	// Lenient accepts a repeated single-occurrence attribute, keeping
	// only the last value.
	Lenient Mode = iota
	// Strict rejects a repeated single-occurrence attribute with a
	// FormatError.
	Strict
)

// Parse decodes a comma-separated RFC 6690 link-format body into Links.
func Parse(body string, mode Mode) ([]Link, error) {
	var links []Link
	for _, item := range splitTopLevel(body, ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		link, err := parseLink(item, mode)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

func parseLink(item string, mode Mode) (Link, error) {
	if !strings.HasPrefix(item, "<") {
		return Link{}, &FormatError{Reason: "link does not start with '<': " + item}
	}
	end := strings.IndexByte(item, '>')
	if end < 0 {
		return Link{}, &FormatError{Reason: "unterminated target in: " + item}
	}
	link := Link{Target: item[1:end]}

	rest := strings.TrimPrefix(item[end+1:], ";")
	seen := map[string]bool{}
	for _, raw := range splitTopLevel(rest, ';') {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		attr, err := parseAttr(raw)
		if err != nil {
			return Link{}, err
		}
		if singleOccurrenceAttrs[attr.Name] {
			if seen[attr.Name] {
				if mode == Strict {
					return Link{}, &FormatError{Reason: "attribute " + attr.Name + " repeated"}
				}
				for i := range link.Attrs {
					if link.Attrs[i].Name == attr.Name {
						link.Attrs[i] = attr
					}
				}
				continue
			}
			seen[attr.Name] = true
		}
		link.Attrs = append(link.Attrs, attr)
	}
	return link, nil
}

func parseAttr(raw string) (Attr, error) {
	name, value, hasValue := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return Attr{}, &FormatError{Reason: "empty attribute name in: " + raw}
	}
	if !hasValue {
		return Attr{Name: name}, nil
	}
	value = strings.Trim(strings.TrimSpace(value), `"`)
	if multiValueAttrs[name] {
		return Attr{Name: name, Values: strings.Fields(value)}, nil
	}
	return Attr{Name: name, Value: value}, nil
}

// splitTopLevel splits s on sep, ignoring occurrences of sep inside
// double quotes (RFC 6690 attribute values may contain the separator
// character when quoted, e.g. rt="a,b").
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
