// Package client is the outbound-request façade: it owns an Endpoint
// over a caller-supplied Channel, routes responses back to the waiting
// caller, and exposes the usual method helpers plus observe
// registration.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/coapcore/coap/channel"
	"github.com/coapcore/coap/config"
	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/layer"
	"github.com/coapcore/coap/match"
	"github.com/coapcore/coap/message"
)

// Client issues CoAP requests over one endpoint.
type Client struct {
	ep     *endpoint.Endpoint
	stack  *layer.Stack
	router *responseRouter
	log    *zap.Logger
}

// New builds a Client over ch using cfg's knobs, starting the endpoint
// immediately on a pooled executor sized for client traffic.
func New(ctx context.Context, ch channel.Channel, cfg config.Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	matcher := match.New(cfg.Dedup(), cfg.Matcher(), log)
	ep := endpoint.New(ch, matcher, endpoint.Config{Log: log})

	router := &responseRouter{waiters: make(map[*exchange.Exchange]chan result)}
	stack := layer.NewDefaultStack(router, ep, layer.StackConfig{
		Blockwise:   cfg.Blockwise(),
		Reliability: cfg.Reliability(),
	})
	ep.SetStack(stack)

	if err := ep.Start(ctx, endpoint.NewPoolExecutor(4, 64)); err != nil {
		return nil, err
	}
	return &Client{ep: ep, stack: stack, router: router, log: log}, nil
}

// Close stops the underlying endpoint.
func (c *Client) Close(ctx context.Context) error { return c.ep.Stop(ctx) }

// result is one terminal outcome of an in-flight request.
type result struct {
	resp *message.Message
	err  error
}

// responseRouter implements layer.Deliverer for the client side: every
// response that climbs out of the stack is pushed to the goroutine
// waiting on its exchange. Observe notifications re-deliver on the same
// exchange and fan out to the registered observer callback instead.
type responseRouter struct {
	mu        sync.Mutex
	waiters   map[*exchange.Exchange]chan result
	observers map[*exchange.Exchange]func(*message.Message)
}

func (r *responseRouter) await(ex *exchange.Exchange) chan result {
	ch := make(chan result, 1)
	r.mu.Lock()
	r.waiters[ex] = ch
	r.mu.Unlock()
	return ch
}

func (r *responseRouter) forget(ex *exchange.Exchange) {
	r.mu.Lock()
	delete(r.waiters, ex)
	if r.observers != nil {
		delete(r.observers, ex)
	}
	r.mu.Unlock()
}

func (r *responseRouter) observe(ex *exchange.Exchange, fn func(*message.Message)) {
	r.mu.Lock()
	if r.observers == nil {
		r.observers = make(map[*exchange.Exchange]func(*message.Message))
	}
	r.observers[ex] = fn
	r.mu.Unlock()
}

func (r *responseRouter) DeliverRequest(ex *exchange.Exchange, req *message.Message) {
	// A pure client serves no resources; inbound requests are ignored
	// and get no reply.
}

func (r *responseRouter) DeliverResponse(ex *exchange.Exchange, resp *message.Message) {
	ex.CurrentResponse = resp

	r.mu.Lock()
	waiter, waiting := r.waiters[ex]
	if waiting {
		delete(r.waiters, ex)
	}
	observer := r.observers[ex]
	r.mu.Unlock()

	if waiting {
		waiter <- result{resp: resp}
		return
	}
	if observer != nil {
		observer(resp)
	}
}

func (r *responseRouter) DeliverEmptyMessage(ex *exchange.Exchange, msg *message.Message) {
	// A bare ACK just confirms delivery; the separate response arrives
	// later on the same token. RST surfaces through the exchange's
	// failure hook armed in Do.
}

// Do sends req to the address its URI options resolve to and blocks for
// the response, honoring ctx for cancellation. req must carry a URI
// (use NewRequest or Message.SetURI).
func (c *Client) Do(ctx context.Context, req *message.Message) (*message.Message, error) {
	remote, err := resolveDestination(req)
	if err != nil {
		return nil, err
	}
	req.Destination = remote

	ex := exchange.New(exchange.Local, remote, req)
	done := c.router.await(ex)
	defer c.router.forget(ex)

	ex.OnFailure(func(_ *exchange.Exchange, failure error) {
		select {
		case done <- result{err: failure}:
		default:
		}
	})

	c.stack.SendRequest(ex, req)

	select {
	case <-ctx.Done():
		req.Cancelled = true
		ex.Complete()
		return nil, ctx.Err()
	case res := <-done:
		return res.resp, res.err
	}
}

// NewRequest builds a confirmable request for the given method and
// target URI (coap:// or coaps://).
func NewRequest(method message.Code, target string) (*message.Message, error) {
	req := message.New(message.Confirmable, method, 0)
	if err := req.SetURI(target); err != nil {
		return nil, err
	}
	return &req, nil
}

// Get issues a confirmable GET for target.
func (c *Client) Get(ctx context.Context, target string) (*message.Message, error) {
	req, err := NewRequest(message.GET, target)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post issues a confirmable POST carrying payload.
func (c *Client) Post(ctx context.Context, target string, contentFormat uint32, payload []byte) (*message.Message, error) {
	req, err := NewRequest(message.POST, target)
	if err != nil {
		return nil, err
	}
	req.SetOption(message.ContentFormat, contentFormat)
	req.Payload = payload
	return c.Do(ctx, req)
}

// Put issues a confirmable PUT carrying payload.
func (c *Client) Put(ctx context.Context, target string, contentFormat uint32, payload []byte) (*message.Message, error) {
	req, err := NewRequest(message.PUT, target)
	if err != nil {
		return nil, err
	}
	req.SetOption(message.ContentFormat, contentFormat)
	req.Payload = payload
	return c.Do(ctx, req)
}

// Delete issues a confirmable DELETE for target.
func (c *Client) Delete(ctx context.Context, target string) (*message.Message, error) {
	req, err := NewRequest(message.DELETE, target)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Observe registers for notifications of target (RFC 7641): the first
// response resolves the returned call, and every subsequent
// notification invokes fn. Cancel by calling the returned cancel
// function, which sends the Observe=1 deregistration with the same
// token.
func (c *Client) Observe(ctx context.Context, target string, fn func(*message.Message)) (cancel func() error, err error) {
	req, err := NewRequest(message.GET, target)
	if err != nil {
		return nil, err
	}
	req.SetOption(message.Observe, uint32(0))

	remote, err := resolveDestination(req)
	if err != nil {
		return nil, err
	}
	req.Destination = remote

	ex := exchange.New(exchange.Local, remote, req)
	done := c.router.await(ex)
	c.router.observe(ex, fn)

	ex.OnFailure(func(_ *exchange.Exchange, failure error) {
		select {
		case done <- result{err: failure}:
		default:
		}
	})

	c.stack.SendRequest(ex, req)

	select {
	case <-ctx.Done():
		c.router.forget(ex)
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			c.router.forget(ex)
			return nil, res.err
		}
	}

	cancel = func() error {
		defer c.router.forget(ex)
		dereg, err := NewRequest(message.GET, target)
		if err != nil {
			return err
		}
		dereg.SetOption(message.Observe, uint32(1))
		dereg.Token = req.Token
		dereg.Destination = remote
		c.stack.SendRequest(ex, dereg)
		return nil
	}
	return cancel, nil
}

// resolveDestination turns the request's Uri-Host/Uri-Port options into
// a dialable UDP address.
func resolveDestination(req *message.Message) (net.Addr, error) {
	host := req.Options.GetString(message.UriHost)
	if host == "" {
		host = "localhost"
	}
	port := int(req.Options.GetUint32(message.UriPort))
	if port == 0 {
		port = message.DefaultPort
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("coap: resolve %s:%d: %w", host, port, err)
	}
	return addr, nil
}
