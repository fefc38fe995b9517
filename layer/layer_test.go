package layer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
)

type recordingOutbox struct {
	mu        sync.Mutex
	requests  []*message.Message
	sent      int32
	responses int32
}

func (o *recordingOutbox) SendRequest(ex *exchange.Exchange, req *message.Message) {
	atomic.AddInt32(&o.sent, 1)
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()
}
func (o *recordingOutbox) SendResponse(ex *exchange.Exchange, resp *message.Message) {
	atomic.AddInt32(&o.responses, 1)
}
func (o *recordingOutbox) SendEmptyMessage(ex *exchange.Exchange, msg *message.Message) {}

func (o *recordingOutbox) count() int {
	return int(atomic.LoadInt32(&o.sent))
}

func (o *recordingOutbox) responseCount() int {
	return int(atomic.LoadInt32(&o.responses))
}

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []*message.Message
}

func (d *recordingDeliverer) DeliverRequest(ex *exchange.Exchange, req *message.Message) {
	d.mu.Lock()
	d.delivered = append(d.delivered, req)
	d.mu.Unlock()
}
func (d *recordingDeliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Message)    {}
func (d *recordingDeliverer) DeliverEmptyMessage(ex *exchange.Exchange, msg *message.Message) {}

func TestTokenLayerPassesNilTokenToMatcher(t *testing.T) {
	out := &recordingOutbox{}
	s := NewStack(&recordingDeliverer{}, out, NewTokenLayer())

	ex := exchange.New(exchange.Local, nil, nil)
	req := message.New(message.Confirmable, message.GET, 1)
	s.SendRequest(ex, &req)

	// A nil token means "not yet assigned"; the Matcher below the stack
	// generates it, so the layer must forward untouched.
	require.Equal(t, 1, out.count())
	assert.Nil(t, req.Token)
}

func TestTokenLayerRejectsOversizedToken(t *testing.T) {
	out := &recordingOutbox{}
	s := NewStack(&recordingDeliverer{}, out, NewTokenLayer())

	ex := exchange.New(exchange.Local, nil, nil)
	var failed error
	ex.OnFailure(func(_ *exchange.Exchange, err error) { failed = err })

	req := message.New(message.Confirmable, message.GET, 1)
	req.Token = make([]byte, 9)
	s.SendRequest(ex, &req)

	assert.Error(t, failed)
	assert.Equal(t, 0, out.count())
}

func TestTokenLayerRejectsNilTokenOnReceive(t *testing.T) {
	deliverer := &recordingDeliverer{}
	s := NewStack(deliverer, &recordingOutbox{}, NewTokenLayer())

	ex := exchange.New(exchange.Remote, nil, nil)
	var failed error
	ex.OnFailure(func(_ *exchange.Exchange, err error) { failed = err })

	req := message.New(message.Confirmable, message.GET, 1)
	req.Token = nil
	s.ReceiveRequest(ex, &req)

	assert.Error(t, failed)
	assert.Empty(t, deliverer.delivered)
}

// Retransmissions stop after MaxRetransmit and the exchange then fails
// with a timeout.
func TestReliabilityLayerRetransmitsThenTimesOut(t *testing.T) {
	out := &recordingOutbox{}
	cfg := ReliabilityConfig{AckTimeout: 10 * time.Millisecond, AckRandomFactor: 1.0, MaxRetransmit: 3}
	s := NewStack(&recordingDeliverer{}, out, NewReliabilityLayer(cfg))

	ex := exchange.New(exchange.Local, nil, nil)
	var failure error
	var wg sync.WaitGroup
	wg.Add(1)
	ex.OnFailure(func(_ *exchange.Exchange, err error) {
		failure = err
		wg.Done()
	})

	req := message.New(message.Confirmable, message.GET, 1)
	s.SendRequest(ex, &req)

	wg.Wait()
	require.Error(t, failure)
	_, isTimeout := failure.(*TransmissionTimeout)
	assert.True(t, isTimeout)
	assert.Equal(t, 4, out.count(), "initial send + 3 retransmits")
	assert.True(t, ex.IsComplete())
}

// A CON response (e.g. an observe notification) retransmits like a CON
// request; the exchange stays incomplete until the peer's ACK, so the
// timer is live.
func TestReliabilityLayerRetransmitsConResponse(t *testing.T) {
	out := &recordingOutbox{}
	cfg := ReliabilityConfig{AckTimeout: 10 * time.Millisecond, AckRandomFactor: 1.0, MaxRetransmit: 2}
	s := NewStack(&recordingDeliverer{}, out, NewReliabilityLayer(cfg))

	ex := exchange.New(exchange.Remote, nil, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	ex.OnFailure(func(_ *exchange.Exchange, err error) { wg.Done() })

	resp := message.New(message.Confirmable, message.Content, 5)
	s.SendResponse(ex, &resp)

	wg.Wait()
	assert.Equal(t, 3, out.responseCount(), "initial send + 2 retransmits")
	assert.True(t, ex.IsComplete())
}

func TestReliabilityLayerStopsOnRST(t *testing.T) {
	out := &recordingOutbox{}
	cfg := ReliabilityConfig{AckTimeout: 10 * time.Millisecond, AckRandomFactor: 1.0, MaxRetransmit: 10}
	s := NewStack(&recordingDeliverer{}, out, NewReliabilityLayer(cfg))

	ex := exchange.New(exchange.Local, nil, nil)
	req := message.New(message.Confirmable, message.GET, 1)
	s.SendRequest(ex, &req)

	rst := message.New(message.Reset, message.Empty, req.ID)
	s.ReceiveEmptyMessage(ex, &rst)

	countAfterRST := out.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAfterRST, out.count(), "no further retransmits after RST")
}

func TestObserveLayerRegistersAndStampsSequence(t *testing.T) {
	registered := false
	registrar := registrarFunc{
		register: func(ex *exchange.Exchange, req *message.Message) { registered = true },
	}
	deliverer := &recordingDeliverer{}
	s := NewStack(deliverer, &recordingOutbox{}, NewObserveLayer(registrar))

	ex := exchange.New(exchange.Remote, nil, nil)
	req := message.New(message.Confirmable, message.GET, 1)
	req.SetOption(message.Observe, uint32(0))
	s.ReceiveRequest(ex, &req)
	assert.True(t, registered)
	require.Len(t, deliverer.delivered, 1)

	resp1 := message.New(message.Acknowledgement, message.Content, 1)
	s.SendResponse(ex, &resp1)
	resp2 := message.New(message.Confirmable, message.Content, 2)
	s.SendResponse(ex, &resp2)

	assert.Less(t, resp1.Options.GetUint32(message.Observe), resp2.Options.GetUint32(message.Observe))
}

type registrarFunc struct {
	register   func(ex *exchange.Exchange, req *message.Message)
	deregister func(ex *exchange.Exchange, req *message.Message)
}

func (r registrarFunc) Register(ex *exchange.Exchange, req *message.Message) {
	if r.register != nil {
		r.register(ex, req)
	}
}
func (r registrarFunc) Deregister(ex *exchange.Exchange, req *message.Message) {
	if r.deregister != nil {
		r.deregister(ex, req)
	}
}

// A response body larger than the block size round-trips
// whole through the Blockwise layer's fragmentation + reassembly.
func TestBlockwiseLayerFragmentsAndReassembles(t *testing.T) {
	body := make([]byte, 3*64+10)
	for i := range body {
		body[i] = byte(i)
	}

	cfg := BlockwiseConfig{BlockSize: 64}
	sendSide := NewBlockwiseLayer(cfg)
	sentBlocks := &recordingOutbox{}
	sendStack := NewStack(&recordingDeliverer{}, sentBlocks, sendSide)

	ex := exchange.New(exchange.Remote, nil, nil)
	resp := message.New(message.Acknowledgement, message.Content, 1)
	resp.Payload = body
	sendStack.SendResponse(ex, &resp)
	assert.LessOrEqual(t, len(resp.Payload), 64)
	assert.True(t, resp.Options.Has(message.Block2))

	recvSide := NewBlockwiseLayer(cfg)
	deliverer := &recordingDeliverer{}
	recvOutbox := &recordingOutbox{}
	recvStack := NewStack(deliverer, recvOutbox, recvSide)

	recvEx := exchange.New(exchange.Local, nil, nil)
	first := message.New(message.Acknowledgement, message.Content, 1)
	num, more, szx := decodeBlockOption(resp.Options.GetUint32(message.Block2))
	first.SetOption(message.Block2, encodeBlockOption(num, more, blockSizeFromSzx(szx)))
	first.Payload = resp.Payload
	recvStack.ReceiveResponse(recvEx, &first)
	require.Equal(t, 1, recvOutbox.count(), "layer should have requested the next block")

	state := recvSide.downloads[recvEx]
	require.NotNil(t, state)
	assert.Equal(t, 64, len(state.body))
}
