package exchange

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsCorrelationID(t *testing.T) {
	a, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5683")
	e := New(Local, a, "request")
	assert.NotEqual(t, e.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, Local, e.Origin)
	assert.False(t, e.IsComplete())
}

func TestCompleteFiresHooksExactlyOnce(t *testing.T) {
	e := New(Remote, nil, "req")
	var calls int32
	e.OnComplete(func(*Exchange) { atomic.AddInt32(&calls, 1) })
	e.OnComplete(func(*Exchange) { atomic.AddInt32(&calls, 1) })

	e.Complete()
	e.Complete()
	e.Complete()

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.True(t, e.IsComplete())
}

func TestOnCompleteAfterCompleteRunsImmediately(t *testing.T) {
	e := New(Local, nil, "req")
	e.Complete()

	var ran bool
	e.OnComplete(func(*Exchange) { ran = true })
	assert.True(t, ran)
}

func TestTouchAdvancesLastActivity(t *testing.T) {
	e := New(Local, nil, "req")
	first := e.LastActivity()
	time.Sleep(5 * time.Millisecond)
	e.Touch()
	require.True(t, e.LastActivity().After(first))
}

func TestRetransmitCounterIncrements(t *testing.T) {
	e := New(Local, nil, "req")
	assert.Equal(t, 0, e.RetransmitCount())
	assert.Equal(t, 1, e.IncrementRetransmit())
	assert.Equal(t, 2, e.IncrementRetransmit())
	assert.Equal(t, 2, e.RetransmitCount())
}

func TestSetTimerStopsPrevious(t *testing.T) {
	e := New(Local, nil, "req")
	fired := make(chan struct{}, 2)
	t1 := time.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
	e.SetTimer(t1)

	t2 := time.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
	e.SetTimer(t2)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fired, 1, "replacing the timer should stop the previous one")

	e.StopTimer()
}
