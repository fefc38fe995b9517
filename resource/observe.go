package resource

import (
	"net"
	"sync"
	"time"

	"github.com/coapcore/coap/exchange"
)

// ObserveRelation is an edge between a remote endpoint and a resource.
// It lives for as long as the client keeps
// observing, canceled by a GET with Observe=1 bearing the same token, by
// an RST, or by delivery-failure of a CON notification.
type ObserveRelation struct {
	Resource *Resource
	Exchange *exchange.Exchange
	Token    string
	Source   net.Addr

	mu             sync.Mutex
	checkedFresh   time.Time
	notifyFailures int
}

func (rel *ObserveRelation) touch() {
	rel.mu.Lock()
	rel.checkedFresh = time.Now()
	rel.mu.Unlock()
}

// failed counts one more undelivered CON notification, returning the
// running total so the deliverer can cancel the relation once the
// reconnect budget is spent.
func (rel *ObserveRelation) failed() int {
	rel.mu.Lock()
	defer rel.mu.Unlock()
	rel.notifyFailures++
	return rel.notifyFailures
}

// ObservingEndpoint groups every relation a single remote address holds
// across any number of resources, keyed by token.
type ObservingEndpoint struct {
	Source net.Addr

	mu        sync.Mutex
	relations map[string]*ObserveRelation // keyed by token
}

func newObservingEndpoint(source net.Addr) *ObservingEndpoint {
	return &ObservingEndpoint{Source: source, relations: make(map[string]*ObserveRelation)}
}

func (oe *ObservingEndpoint) add(rel *ObserveRelation) {
	oe.mu.Lock()
	oe.relations[rel.Token] = rel
	oe.mu.Unlock()
}

func (oe *ObservingEndpoint) remove(token string) {
	oe.mu.Lock()
	delete(oe.relations, token)
	oe.mu.Unlock()
}

// Registry tracks one ObservingEndpoint per remote address; the
// Deliverer, which implements layer.Registrar, keeps its relations
// here on the Observe layer's behalf.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*ObservingEndpoint
	byToken   map[string]*ObserveRelation

	// NotificationReconnect bounds how many unacknowledged CON
	// notifications a relation tolerates before being dropped.
	NotificationReconnect int
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints:             make(map[string]*ObservingEndpoint),
		byToken:               make(map[string]*ObserveRelation),
		NotificationReconnect: 4,
	}
}

func (r *Registry) endpointFor(source net.Addr) *ObservingEndpoint {
	key := ""
	if source != nil {
		key = source.String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oe, ok := r.endpoints[key]
	if !ok {
		oe = newObservingEndpoint(source)
		r.endpoints[key] = oe
	}
	return oe
}

func (r *Registry) Relation(token string) (*ObserveRelation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.byToken[token]
	return rel, ok
}

// cancel removes the relation and drops it from its owning endpoint and
// the exchange's observe slot.
func (r *Registry) cancel(rel *ObserveRelation) {
	r.mu.Lock()
	delete(r.byToken, rel.Token)
	r.mu.Unlock()
	oe := r.endpointFor(rel.Source)
	oe.remove(rel.Token)
	rel.Exchange.Observe = nil
}
