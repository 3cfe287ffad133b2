package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport fails with errs in order, then answers "ok".
type scriptedTransport struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	broken bool
}

func (s *scriptedTransport) Call(_ context.Context, _ *Request, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if IsConnectionError(err) {
			s.broken = true
		}
		return err
	}
	if result != nil {
		return json.Unmarshal([]byte(`"ok"`), result)
	}
	return nil
}

func (s *scriptedTransport) Ping(context.Context) error { return nil }
func (s *scriptedTransport) Close() error               { return nil }
func (s *scriptedTransport) Busy() bool                 { return false }

func (s *scriptedTransport) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

func newTestDispatcher(t *testing.T, transport string, maxAttempts int, ws, rest *scriptedTransport) (*Dispatcher, *recordingTimer) {
	t.Helper()
	timer := newRecordingTimer()
	conns := NewConnectionCache(ConnectionCacheConfig{
		Dial: func(context.Context, ConnKey) (Conn, error) { return ws, nil },
	})
	t.Cleanup(func() { conns.Close() })

	return &Dispatcher{
		transport:   transport,
		key:         ConnKey{Host: "nas", Port: 443, Scheme: "https"},
		maxAttempts: max(maxAttempts, 1),
		baseDelay:   100 * time.Millisecond,
		callTimeout: time.Second,
		conns:       conns,
		rest:        rest,
		log:         testr.New(t),
		timer:       timer,
		jitter:      func() float64 { return 0.5 },
	}, timer
}

var restPing = &Request{Method: "core.ping", REST: &RESTRoute{Verb: http.MethodGet, Path: "/core/ping"}}

func TestDispatcher_RetriesTransientThenSucceeds(t *testing.T) {
	rest := &scriptedTransport{errs: []error{
		&HTTPError{StatusCode: 502, Message: "bad gateway"},
		&ConnectionError{Op: "http", Err: io.ErrUnexpectedEOF},
	}}
	d, timer := newTestDispatcher(t, TransportREST, 3, nil, rest)

	var result string
	require.NoError(t, d.Call(context.Background(), restPing, &result))
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, rest.Calls())

	require.Len(t, timer.delays, 2)
	assert.InDelta(t, float64(110*time.Millisecond), float64(timer.delays[0]), float64(time.Millisecond))
	assert.InDelta(t, float64(220*time.Millisecond), float64(timer.delays[1]), float64(time.Millisecond))
}

func TestDispatcher_AuthFailureIsNotRetried(t *testing.T) {
	rest := &scriptedTransport{errs: []error{&HTTPError{StatusCode: http.StatusUnauthorized, Message: "Invalid API key"}}}
	d, timer := newTestDispatcher(t, TransportREST, 5, nil, rest)

	err := d.Call(context.Background(), restPing, nil)
	assert.Equal(t, ClassAuth, Classify(err))
	assert.Equal(t, 1, rest.Calls())
	assert.Empty(t, timer.delays)
}

func TestDispatcher_ValidationIsNotRetried(t *testing.T) {
	rest := &scriptedTransport{errs: []error{&HTTPError{StatusCode: 422, Message: "lunid: in use"}}}
	d, _ := newTestDispatcher(t, TransportREST, 5, nil, rest)

	err := d.Call(context.Background(), restPing, nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 1, rest.Calls())
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = &HTTPError{StatusCode: 503, Message: "unavailable"}
	}
	rest := &scriptedTransport{errs: failures}
	d, timer := newTestDispatcher(t, TransportREST, 4, nil, rest)

	err := d.Call(context.Background(), restPing, nil)
	assert.Equal(t, ClassTransient, Classify(err))
	assert.Equal(t, 4, rest.Calls())
	assert.Len(t, timer.delays, 3)
}

func TestDispatcher_ZeroAttemptsMeansOne(t *testing.T) {
	rest := &scriptedTransport{errs: []error{&HTTPError{StatusCode: 503}}}
	d, _ := newTestDispatcher(t, TransportREST, 0, nil, rest)

	require.Error(t, d.Call(context.Background(), restPing, nil))
	assert.Equal(t, 1, rest.Calls())
}

func TestDispatcher_RateLimitedWaitsLonger(t *testing.T) {
	rest := &scriptedTransport{errs: []error{&HTTPError{StatusCode: http.StatusTooManyRequests}}}
	d, timer := newTestDispatcher(t, TransportREST, 3, nil, rest)

	require.NoError(t, d.Call(context.Background(), restPing, nil))
	require.Len(t, timer.delays, 1)
	assert.InDelta(t, float64(440*time.Millisecond), float64(timer.delays[0]), float64(time.Millisecond))
}

func TestDispatcher_CanceledContextStops(t *testing.T) {
	rest := &scriptedTransport{}
	d, _ := newTestDispatcher(t, TransportREST, 3, nil, rest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Call(ctx, restPing, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_WebSocketFallsBackToREST(t *testing.T) {
	ws := &scriptedTransport{errs: []error{&ConnectionError{Op: "read", Err: io.EOF}}}
	rest := &scriptedTransport{}
	d, timer := newTestDispatcher(t, TransportWS, 1, ws, rest)

	var result string
	require.NoError(t, d.Call(context.Background(), restPing, &result))
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, ws.Calls())
	assert.Equal(t, 1, rest.Calls())
	assert.Empty(t, timer.delays)
	assert.Equal(t, 0, d.conns.Len(), "broken session is evicted")
}

func TestDispatcher_NoFallbackWithoutRESTRoute(t *testing.T) {
	ws := &scriptedTransport{errs: []error{&ConnectionError{Op: "read", Err: io.EOF}}}
	rest := &scriptedTransport{}
	d, _ := newTestDispatcher(t, TransportWS, 1, ws, rest)

	err := d.Call(context.Background(), &Request{Method: "core.ping"}, nil)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, 0, rest.Calls())
}

func TestDispatcher_NoFallbackOnApplianceError(t *testing.T) {
	ws := &scriptedTransport{errs: []error{&RPCError{Code: 22, Message: "[EINVAL] bad"}}}
	rest := &scriptedTransport{}
	d, _ := newTestDispatcher(t, TransportWS, 3, ws, rest)

	err := d.Call(context.Background(), restPing, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 0, rest.Calls())
	assert.Equal(t, 1, ws.Calls())
}

func TestRetryPolicy_DoublesWithJitter(t *testing.T) {
	p := &retryPolicy{base: time.Second, jitter: func() float64 { return 1 }}
	assert.Equal(t, 1200*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 2400*time.Millisecond, p.NextBackOff())
	assert.Equal(t, 4800*time.Millisecond, p.NextBackOff())

	p.Reset()
	p.jitter = func() float64 { return 0 }
	assert.Equal(t, time.Second, p.NextBackOff())
}
