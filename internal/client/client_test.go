package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhub/twinlink/internal/config"
	"github.com/kestrelhub/twinlink/internal/protocol"
	"github.com/kestrelhub/twinlink/internal/search"
	"github.com/kestrelhub/twinlink/internal/transport"
)

// fakeSocket and fakeDialer mirror internal/transport's test doubles;
// client tests live in a different package and so need their own.
type fakeSocket struct {
	toClient chan string

	mu       sync.Mutex
	fromClient []string
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{toClient: make(chan string, 64), closed: make(chan struct{})}
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

func (s *fakeSocket) deliver(raw string) { s.toClient <- raw }

func newTestClient(t *testing.T, sock *fakeSocket) *Client {
	t.Helper()
	dial := func(ctx context.Context) (transport.Socket, error) { return sock, nil }
	c := New(config.Default(), dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
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

func lastCorrelationID(t *testing.T, raw string) string {
	t.Helper()
	frame, err := protocol.ParseAdaptable(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, ok := frame.Headers.CorrelationID()
	if !ok {
		t.Fatalf("frame carries no correlation id: %s", raw)
	}
	return id
}

func TestTwinHandle_InvokeCommandRoundTrips(t *testing.T) {
	sock := newFakeSocket()
	c := newTestClient(t, sock)

	type reply struct {
		OK bool `json:"ok"`
	}

	done := make(chan struct{})
	var result *protocol.Adaptable
	var resultErr error
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result, resultErr = c.Twin().InvokeCommand(ctx, "things", "thing-1", map[string]any{"power": "on"})
	}()

	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 1 })
	corrID := lastCorrelationID(t, sock.sentMessages()[0])

	body, _ := json.Marshal(reply{OK: true})
	respRaw, err := protocol.Encode(&protocol.Adaptable{
		Topic:   protocol.TopicPath{Group: "things", Channel: protocol.ChannelTwin, Criterion: protocol.CriterionCommands},
		Headers: protocol.Headers{}.WithCorrelationID(corrID),
		Payload: protocol.Payload{Value: body},
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	sock.deliver(respRaw)

	<-done
	if resultErr != nil {
		t.Fatalf("InvokeCommand() error = %v", resultErr)
	}
	var got reply
	if err := json.Unmarshal(result.Payload.Value, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !got.OK {
		t.Fatalf("reply.OK = false, want true")
	}
}

func TestLiveHandle_SubscribeLiveEventsArmsAndDelivers(t *testing.T) {
	sock := newFakeSocket()
	c := newTestClient(t, sock)

	var mu sync.Mutex
	var received []*protocol.Adaptable

	armed := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := c.Live().SubscribeLiveEvents(ctx, func(f *protocol.Adaptable) {
			mu.Lock()
			received = append(received, f)
			mu.Unlock()
		})
		if err != nil {
			t.Errorf("SubscribeLiveEvents() error = %v", err)
		}
		close(armed)
	}()

	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 1 })
	if sock.sentMessages()[0] != protocol.StartSendLiveEvents {
		t.Fatalf("sent = %q, want %q", sock.sentMessages()[0], protocol.StartSendLiveEvents)
	}
	sock.deliver(protocol.AckOf(protocol.StartSendLiveEvents))
	<-armed

	eventRaw, err := protocol.Encode(&protocol.Adaptable{
		Topic: protocol.TopicPath{Channel: protocol.ChannelLive, Criterion: protocol.CriterionEvents},
	})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	sock.deliver(eventRaw)

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
}

type recordingSubscriber struct {
	mu       sync.Mutex
	sub      search.Subscription
	pages    []*protocol.Adaptable
	complete bool
	err      error
	done     chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{done: make(chan struct{})}
}

func (r *recordingSubscriber) OnSubscribe(sub search.Subscription) {
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
}
func (r *recordingSubscriber) OnNext(page *protocol.Adaptable) {
	r.mu.Lock()
	r.pages = append(r.pages, page)
	r.mu.Unlock()
}
func (r *recordingSubscriber) OnComplete() {
	r.mu.Lock()
	r.complete = true
	r.mu.Unlock()
	close(r.done)
}
func (r *recordingSubscriber) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func TestSearchHandle_OpenStartsSessionAndDeliversPages(t *testing.T) {
	sock := newFakeSocket()
	c := newTestClient(t, sock)

	dispatcher := search.NewSerialDispatcher(8)
	t.Cleanup(dispatcher.Stop)

	sub := newRecordingSubscriber()
	opened := make(chan *search.Session, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		session, err := c.Search(dispatcher).Open(ctx, map[string]string{"query": "*"}, sub)
		if err != nil {
			t.Errorf("Open() error = %v", err)
			return
		}
		opened <- session
	}()

	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 1 })
	corrID := lastCorrelationID(t, sock.sentMessages()[0])

	createdPayload, _ := json.Marshal(map[string]string{"subscriptionId": "sess-1"})
	createdRaw, err := protocol.Encode(&protocol.Adaptable{
		Topic:   protocol.TopicPath{Group: "things", Channel: protocol.ChannelTwin, Criterion: protocol.CriterionSearch, SearchAction: protocol.SearchActionCreated},
		Headers: protocol.Headers{}.WithCorrelationID(corrID),
		Payload: protocol.Payload{Value: createdPayload},
	})
	if err != nil {
		t.Fatalf("encode created: %v", err)
	}
	sock.deliver(createdRaw)

	var session *search.Session
	select {
	case session = <-opened:
	case <-time.After(time.Second):
		t.Fatal("Open() did not return")
	}

	session.Request(1)
	waitForCondition(t, func() bool { return len(sock.sentMessages()) == 2 })

	pagePayload, _ := json.Marshal(map[string]string{"subscriptionId": "sess-1"})
	pageRaw, err := protocol.Encode(&protocol.Adaptable{
		Topic:   protocol.TopicPath{Channel: protocol.ChannelTwin, Criterion: protocol.CriterionSearch, SearchAction: protocol.SearchActionHasNext},
		Payload: protocol.Payload{Value: pagePayload},
	})
	if err != nil {
		t.Fatalf("encode hasNext: %v", err)
	}
	sock.deliver(pageRaw)

	completeRaw, err := protocol.Encode(&protocol.Adaptable{
		Topic:   protocol.TopicPath{Channel: protocol.ChannelTwin, Criterion: protocol.CriterionSearch, SearchAction: protocol.SearchActionComplete},
		Payload: protocol.Payload{Value: pagePayload},
	})
	if err != nil {
		t.Fatalf("encode complete: %v", err)
	}
	sock.deliver(completeRaw)

	select {
	case <-sub.done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never reached a terminal callback")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(sub.pages))
	}
	if !sub.complete {
		t.Fatalf("complete = false, want true (err = %v)", sub.err)
	}
}
