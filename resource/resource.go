// Package resource implements the URI-path resource tree and the
// ServerMessageDeliverer that routes incoming requests to it, plus the
// observe-relation bookkeeping RFC 7641 needs.
//
// The tree is a trie keyed by path segment rather than a flat
// path-string map, so link-format enumeration (resource/linkformat)
// can walk it instead of iterating a registry, while lookups stay as
// cheap as a map access per segment.
package resource

import (
	"strings"
	"sync"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/layer"
	"github.com/coapcore/coap/message"
)

// Handler answers one request against the resource it is attached to.
type Handler func(ex *exchange.Exchange, req *message.Message) message.Message

// Attributes carries the RFC 6690 link-format metadata one resource
// advertises at /.well-known/core.
type Attributes struct {
	Title           string
	ResourceType    []string
	Interface       []string
	ContentFormats  []int
	SizeEstimate    int
	sizeEstimateSet bool
}

func (a *Attributes) SetSize(n int) { a.SizeEstimate = n; a.sizeEstimateSet = true }

// Resource is one node of the tree: addressable by path segment, with
// visibility, an observable flag, link-format attributes, and one
// Handler per method it serves.
type Resource struct {
	name     string
	parent   *Resource
	children map[string]*Resource
	mu       sync.RWMutex

	Visible    bool
	Observable bool
	Attrs      Attributes

	handlers map[message.Code]Handler
}

// NewRoot creates an empty tree root. The root itself is never listed
// in link-format output.
func NewRoot() *Resource {
	return &Resource{children: make(map[string]*Resource), Visible: false}
}

// Child returns (creating if absent) the named child of r.
func (r *Resource) Child(name string) *Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.children[name]; ok {
		return c
	}
	c := &Resource{name: name, parent: r, children: make(map[string]*Resource), Visible: true}
	r.children[name] = c
	return c
}

// At walks/creates the resource at a "/"-separated path from r.
func (r *Resource) At(path string) *Resource {
	node := r
	for _, seg := range splitPath(path) {
		node = node.Child(seg)
	}
	return node
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Path reconstructs this resource's full "/"-prefixed path from the
// root.
func (r *Resource) Path() string {
	if r.parent == nil {
		return ""
	}
	return r.parent.Path() + "/" + r.name
}

// Handle registers fn to answer method code on r.
func (r *Resource) Handle(code message.Code, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[message.Code]Handler)
	}
	r.handlers[code] = fn
}

func (r *Resource) handler(code message.Code) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[code]
	return h, ok
}

// lookup finds the resource at segs under r, or nil.
func (r *Resource) lookup(segs []string) *Resource {
	node := r
	for _, seg := range segs {
		node.mu.RLock()
		next, ok := node.children[seg]
		node.mu.RUnlock()
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

// walk visits every descendant of r (including r) in an unspecified
// order, calling fn. Used by the link-format directory builder.
func (r *Resource) walk(fn func(*Resource)) {
	fn(r)
	r.mu.RLock()
	children := make([]*Resource, 0, len(r.children))
	for _, c := range r.children {
		children = append(children, c)
	}
	r.mu.RUnlock()
	for _, c := range children {
		c.walk(fn)
	}
}

var _ layer.Deliverer = (*Deliverer)(nil)
