package endpoint

import (
	"sync"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

// EventKind names one of the Sending*/Receiving* multicast events
// as an observer registry: a list of callbacks per
// event kind, invoked synchronously under the executor.
type EventKind int

const (
	SendingRequest EventKind = iota
	SendingResponse
	SendingEmptyMessage
	ReceivingRequest
	ReceivingResponse
	ReceivingEmptyMessage
)

// EventObserver is notified of a traffic event; observers must not
// mutate msg in ways that change wire output.
type EventObserver func(ex *exchange.Exchange, msg *message.Message)

type eventRegistry struct {
	mu        sync.RWMutex
	observers map[EventKind][]EventObserver
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{observers: make(map[EventKind][]EventObserver)}
}

func (r *eventRegistry) On(kind EventKind, fn EventObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[kind] = append(r.observers[kind], fn)
}

func (r *eventRegistry) fire(kind EventKind, ex *exchange.Exchange, msg *message.Message) {
	r.mu.RLock()
	observers := r.observers[kind]
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(ex, msg)
	}
}
