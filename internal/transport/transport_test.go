package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/protocol"
)

// raceDetectingSocket has no internal locking of its own (unlike
// fakeSocket), so it surfaces exactly the interleaving writeToSocket must
// prevent: two WriteMessage calls in flight against the same socket at
// once.
type raceDetectingSocket struct {
	busy  int32
	raced int32
}

func (s *raceDetectingSocket) ReadMessage() (string, error) {
	select {}
}

func (s *raceDetectingSocket) WriteMessage(raw string) error {
	if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
		atomic.StoreInt32(&s.raced, 1)
		return nil
	}
	time.Sleep(5 * time.Millisecond)
	atomic.StoreInt32(&s.busy, 0)
	return nil
}

func (s *raceDetectingSocket) Close() error { return nil }

// TestWriteToSocketSerializesConcurrentWrites guards against execute's
// direct-send path and drainBuffer's replay racing a WriteMessage call
// against the same socket (a reconnect-replay interleaving a direct
// submission corrupts the websocket framing).
func TestWriteToSocketSerializesConcurrentWrites(t *testing.T) {
	tr := &Transport{}
	sock := &raceDetectingSocket{}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.writeToSocket(sock, fmt.Sprintf("msg-%d", i))
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&sock.raced) != 0 {
		t.Fatal("writeToSocket allowed concurrent WriteMessage calls against the same socket")
	}
}

// fakeSocket is an in-memory Socket a test drives directly, standing in
// for a real *websocket.Conn.
type fakeSocket struct {
	toClient chan string

	mu       sync.Mutex
	fromClient []string
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		toClient: make(chan string, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (string, error) {
	select {
	case raw := <-s.toClient:
		return raw, nil
	case <-s.closed:
		return "", fmt.Errorf("fakeSocket: closed")
	}
}

func (s *fakeSocket) WriteMessage(raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.fromClient = append(s.fromClient, raw)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fromClient...)
}

func (s *fakeSocket) deliver(raw string) {
	s.toClient <- raw
}

// fakeDialer returns sockets from a caller-supplied queue, one per call.
// Calls beyond the queue's length return dialErr, or a generic
// "exhausted" error when dialErr is nil.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	dialErr error
	calls   int
}

func (d *fakeDialer) dial(ctx context.Context) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.sockets) == 0 {
		if d.dialErr != nil {
			return nil, d.dialErr
		}
		return nil, fmt.Errorf("fakeDialer: exhausted")
	}
	s := d.sockets[0]
	d.sockets = d.sockets[1:]
	return s, nil
}

func (d *fakeDialer) addSocket(s *fakeSocket) {
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
}

type recordingObserver struct {
	mu         sync.Mutex
	transitions []string
}

func (o *recordingObserver) record(name string) {
	o.mu.Lock()
	o.transitions = append(o.transitions, name)
	o.mu.Unlock()
}
func (o *recordingObserver) Connected()    { o.record("connected") }
func (o *recordingObserver) Buffering()    { o.record("buffering") }
func (o *recordingObserver) BackPressure() { o.record("backPressure") }
func (o *recordingObserver) Reconnecting() { o.record("reconnecting") }
func (o *recordingObserver) Disconnected() { o.record("disconnected") }
func (o *recordingObserver) BufferFull()   { o.record("bufferFull") }
func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func encodeCorrelatedResponse(t *testing.T, correlationID string) string {
	t.Helper()
	raw, err := protocol.Encode(&protocol.Adaptable{
		Topic:   protocol.TopicPath{Channel: protocol.ChannelTwin, Criterion: protocol.CriterionEvents},
		Headers: protocol.Headers{}.WithCorrelationID(correlationID),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(protocol.ParseAdaptable)
	b.AddFrameClassifier(protocol.CorrelationFrameClassifier)
	t.Cleanup(b.Shutdown)
	return b
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitWhenConnectedSendsDirectlyAndResolves(t *testing.T) {
	b := newTestBus(t)
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}

	tr := New(dialer.dial, b)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	fut, err := tr.Submit(protocol.CorrelationKey("corr-1"), "request-1", time.Second)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 1 })
	if sock.sentMessages()[0] != "request-1" {
		t.Fatalf("sent = %v, want [request-1]", sock.sentMessages())
	}

	sock.deliver(encodeCorrelatedResponse(t, "corr-1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	id, _ := frame.Headers.CorrelationID()
	if id != "corr-1" {
		t.Fatalf("CorrelationID() = %q, want corr-1", id)
	}
}

func TestBackPressureThenBuffering(t *testing.T) {
	b := newTestBus(t)
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}
	observer := &recordingObserver{}

	detector := func(raw string) bool { return raw == "THROTTLED" }

	tr := New(dialer.dial, b,
		WithStateObserver(observer),
		WithBufferSize(3),
		WithBackPressureDetector(detector),
	)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	if _, err := tr.Submit(protocol.CorrelationKey("a"), "A", time.Second); err != nil {
		t.Fatalf("Submit(A) error = %v", err)
	}

	sock.deliver("THROTTLED")
	waitForCondition(t, func() bool {
		for _, transition := range observer.snapshot() {
			if transition == "backPressure" {
				return true
			}
		}
		return false
	})

	futB, err := tr.Submit(protocol.CorrelationKey("b"), "B", time.Second)
	if err != nil {
		t.Fatalf("Submit(B) error = %v", err)
	}

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "buffering"
	})

	sock.deliver(encodeCorrelatedResponse(t, "ok-clears-throttle"))

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "connected"
	})
	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 2 })
	if sock.sentMessages()[1] != "B" {
		t.Fatalf("sentMessages = %v, want B replayed second", sock.sentMessages())
	}

	sock.deliver(encodeCorrelatedResponse(t, "b"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := futB.Wait(ctx); err != nil {
		t.Fatalf("futB.Wait() error = %v", err)
	}
}

func TestBufferFullFailsWithoutDisplacingEntries(t *testing.T) {
	b := newTestBus(t)
	dialer := &fakeDialer{} // every dial fails until a socket is queued
	observer := &recordingObserver{}

	tr := New(dialer.dial, b, WithStateObserver(observer), WithBufferSize(3), WithBackoff(BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1,
		MaxRetries:   100,
	}))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "reconnecting"
	})

	for i := 0; i < 3; i++ {
		raw := fmt.Sprintf("msg-%d", i)
		if _, err := tr.Submit(protocol.CorrelationKey(raw), raw, time.Second); err != nil {
			t.Fatalf("Submit(%s) error = %v, want nil (buffer has room)", raw, err)
		}
	}
	for i := 3; i < 6; i++ {
		raw := fmt.Sprintf("msg-%d", i)
		if _, err := tr.Submit(protocol.CorrelationKey(raw), raw, time.Second); err != ErrBufferOverflow {
			t.Fatalf("Submit(%s) error = %v, want ErrBufferOverflow", raw, err)
		}
	}

	socket := newFakeSocket()
	dialer.addSocket(socket)

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "connected"
	})
	waitForCondition(t, func() bool { return len(socket.sentMessages()) == 3 })

	sent := socket.sentMessages()
	for i, want := range []string{"msg-0", "msg-1", "msg-2"} {
		if sent[i] != want {
			t.Fatalf("replayed[%d] = %q, want %q (FIFO, no displacement)", i, sent[i], want)
		}
	}
}

func TestReconnectReplaysBufferedFramesInOrder(t *testing.T) {
	b := newTestBus(t)
	firstSocket := newFakeSocket()
	secondSocket := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{firstSocket, secondSocket}}
	observer := &recordingObserver{}

	tr := New(dialer.dial, b, WithStateObserver(observer), WithBufferSize(5), WithBackoff(BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1,
		MaxRetries:   10,
	}))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	firstSocket.Close() // simulate the socket dropping

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "reconnecting"
	})

	if _, err := tr.Submit(protocol.CorrelationKey("p"), "P", time.Second); err != nil {
		t.Fatalf("Submit(P) error = %v", err)
	}
	if _, err := tr.Submit(protocol.CorrelationKey("q"), "Q", time.Second); err != nil {
		t.Fatalf("Submit(Q) error = %v", err)
	}

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "connected"
	})

	waitForCondition(t, func() bool { return len(secondSocket.sentMessages()) == 2 })
	sent := secondSocket.sentMessages()
	if sent[0] != "P" || sent[1] != "Q" {
		t.Fatalf("replayed = %v, want [P Q] in FIFO order", sent)
	}
}

// TestReconnectExhaustedTerminatesBusSubscribers covers spec.md §2's
// "catastrophic reconnect failure terminates C2 subscribers with a
// connection-lost failure" rule: once the backoff budget runs out, every
// pending correlated future and every idle-guarded persistent subscriber
// (standing in for a search session) must fail now rather than hang until
// its own timeout.
func TestReconnectExhaustedTerminatesBusSubscribers(t *testing.T) {
	b := newTestBus(t)
	sock := newFakeSocket()
	dialer := &fakeDialer{sockets: []*fakeSocket{sock}}
	observer := &recordingObserver{}

	tr := New(dialer.dial, b, WithStateObserver(observer), WithBackoff(BackoffConfig{
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1,
		MaxRetries:   2,
	}))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	fut, err := tr.Submit(protocol.CorrelationKey("pending"), "request", time.Minute)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 1 })

	var idleErr error
	var mu sync.Mutex
	b.SubscribeForFrameWithIdleTimeout(
		protocol.SearchKey("sub-1"),
		time.Minute,
		func(*protocol.Adaptable) {},
		func(*protocol.Adaptable) bool { return false },
		func(err error) {
			mu.Lock()
			idleErr = err
			mu.Unlock()
		},
	)

	sock.Close() // every subsequent dial also fails (dialer queue is now empty)

	waitForCondition(t, func() bool {
		snap := observer.snapshot()
		return len(snap) > 0 && snap[len(snap)-1] == "disconnected"
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := fut.Wait(ctx); err != ErrConnectionLost {
		t.Fatalf("pending future error = %v, want ErrConnectionLost", err)
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idleErr != nil
	})
	mu.Lock()
	got := idleErr
	mu.Unlock()
	if got != ErrConnectionLost {
		t.Fatalf("idle subscriber error = %v, want ErrConnectionLost", got)
	}
}
