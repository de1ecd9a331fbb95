package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

// fakeTransport records publishes and delivers subscribed messages in-process.
type fakeTransport struct {
	mu         sync.Mutex
	published  []publishedMsg
	handlers   map[string]mqtt.MessageHandler
	publishErr error
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect(ctx context.Context)  {}
func (f *fakeTransport) IsConnected() bool               { return true }

func (f *fakeTransport) AwaitConnection(ctx context.Context) error { return nil }

func (f *fakeTransport) Publish(ctx context.Context, t string, qos int, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{topic: t, payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, t string, qos int, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = h
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, t string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, t)
	return nil
}

// deliver invokes the handler registered for filter with a concrete topic.
func (f *fakeTransport) deliver(filter, concreteTopic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	if h != nil {
		h(context.Background(), concreteTopic, payload)
	}
}

func (f *fakeTransport) lastPublished(t *testing.T) publishedMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	return f.published[len(f.published)-1]
}

func onlineRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	for _, id := range ids {
		if _, err := reg.Register(context.Background(), id, id, nil); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
		if err := reg.RecordHeartbeat(id, time.Now()); err != nil {
			t.Fatalf("RecordHeartbeat(%s): %v", id, err)
		}
	}
	return reg
}

func newTestDispatcher(t *testing.T, opts *Options, deviceIDs ...string) (*Dispatcher, *fakeTransport, *topic.Builder) {
	t.Helper()
	transport := newFakeTransport()
	topics := topic.NewBuilder("devices")
	d := New(transport, topics, onlineRegistry(t, deviceIDs...), opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Start(ctx) }()
	return d, transport, topics
}

func TestDispatchPublishesAndResolvesFromReply(t *testing.T) {
	d, transport, topics := newTestDispatcher(t, nil, "afe-01")

	router := NewRouter(d, topics)
	if err := router.Subscribe(context.Background(), transport); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	msg := transport.lastPublished(t)
	if want := "devices/afe-01/commands"; msg.topic != want {
		t.Fatalf("published to %q, want %q", msg.topic, want)
	}
	var req model.CommandRequest
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.CorrelationID != id || req.Command != "ping" {
		t.Fatalf("request = %+v, want correlationID %s command ping", req, id)
	}

	reply, _ := json.Marshal(model.CommandReply{
		CorrelationID: id,
		Status:        model.ReplyStatusOK,
		Result:        json.RawMessage(`{"pong":true}`),
	})
	transport.deliver(topics.RepliesWildcard(), topics.Replies("afe-01"), reply)

	res, err := d.AwaitResult(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s, want %s", res.Outcome, model.OutcomeSuccess)
	}
	if string(res.Payload) != `{"pong":true}` {
		t.Fatalf("payload = %s", res.Payload)
	}
}

func TestDispatchErrorReply(t *testing.T) {
	d, transport, topics := newTestDispatcher(t, nil, "afe-01")
	router := NewRouter(d, topics)
	if err := router.Subscribe(context.Background(), transport); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id, err := d.Dispatch(context.Background(), "afe-01", "calibrate", json.RawMessage(`{"gain":2}`), time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	reply, _ := json.Marshal(model.CommandReply{
		CorrelationID: id,
		Status:        model.ReplyStatusError,
		Error:         "calibration busy",
	})
	transport.deliver(topics.RepliesWildcard(), topics.Replies("afe-01"), reply)

	res, err := d.AwaitResult(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Outcome != model.OutcomeDeviceError || res.Detail != "calibration busy" {
		t.Fatalf("got %+v, want DeviceError with detail", res)
	}
}

func TestDispatchTimesOut(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &Options{DefaultTimeout: 30 * time.Millisecond}, "afe-01")

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := d.AwaitResult(ctx, id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Outcome != model.OutcomeTimeout {
		t.Fatalf("outcome = %s, want %s", res.Outcome, model.OutcomeTimeout)
	}
}

func TestFirstResolutionWins(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil, "afe-01")

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	d.Resolve(id, model.Result{Outcome: model.OutcomeSuccess})
	d.Resolve(id, model.Result{Outcome: model.OutcomeTimeout})

	res, err := d.AwaitResult(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s, duplicate resolution overwrote the first", res.Outcome)
	}
}

func TestDispatchRefusedWhenOffline(t *testing.T) {
	transport := newFakeTransport()
	topics := topic.NewBuilder("devices")
	reg := registry.New(nil)
	if _, err := reg.Register(context.Background(), "afe-01", "afe-01", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d := New(transport, topics, reg, nil)

	// Registered but never heartbeated: state Unknown, not dispatchable.
	if _, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, 0); !errors.Is(err, core.ErrDeviceOffline) {
		t.Fatalf("err = %v, want ErrDeviceOffline", err)
	}
	if _, err := d.Dispatch(context.Background(), "afe-99", "ping", nil, 0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDispatchFailedOnPublishError(t *testing.T) {
	d, transport, _ := newTestDispatcher(t, nil, "afe-01")
	transport.mu.Lock()
	transport.publishErr = errors.New("broker unreachable")
	transport.mu.Unlock()

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res, err := d.AwaitResult(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Outcome != model.OutcomeDispatchFailed {
		t.Fatalf("outcome = %s, want %s", res.Outcome, model.OutcomeDispatchFailed)
	}
	if res.Detail != "broker unreachable" {
		t.Fatalf("detail = %q", res.Detail)
	}
}

func TestAwaitCancellationLeavesCommandPending(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil, "afe-01")

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.AwaitResult(ctx, id); !errors.Is(err, core.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	// The command survives the abandoned wait and still resolves.
	d.Resolve(id, model.Result{Outcome: model.OutcomeSuccess})
	res, err := d.AwaitResult(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitResult after resolve: %v", err)
	}
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s, want Success", res.Outcome)
	}
}

func TestEvictionAfterGrace(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &Options{RetentionGrace: 20 * time.Millisecond}, "afe-01")

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	d.Resolve(id, model.Result{Outcome: model.OutcomeSuccess})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := d.Pending(id); errors.Is(err, core.ErrUnknownCorrelation) {
			// Late replies now count as unknown and are discarded.
			_, aerr := d.AwaitResult(context.Background(), id)
			if !errors.Is(aerr, core.ErrUnknownCorrelation) {
				t.Fatalf("AwaitResult after eviction = %v, want ErrUnknownCorrelation", aerr)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("command was not evicted after the retention grace")
}

func TestRouterDropsMalformedAndMismatched(t *testing.T) {
	d, transport, topics := newTestDispatcher(t, nil, "afe-01", "afe-02")
	router := NewRouter(d, topics)
	if err := router.Subscribe(context.Background(), transport); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	id, err := d.Dispatch(context.Background(), "afe-01", "ping", nil, time.Minute)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Garbage payload, missing correlation ID, and a reply from the wrong
	// device must all be dropped without resolving the command.
	transport.deliver(topics.RepliesWildcard(), topics.Replies("afe-01"), []byte("{not json"))
	transport.deliver(topics.RepliesWildcard(), topics.Replies("afe-01"), []byte(`{"status":"ok"}`))
	wrong, _ := json.Marshal(model.CommandReply{CorrelationID: id, Status: model.ReplyStatusOK})
	transport.deliver(topics.RepliesWildcard(), topics.Replies("afe-02"), wrong)

	if p, err := d.Pending(id); err != nil {
		t.Fatalf("Pending: %v", err)
	} else if p.CorrelationID != id {
		t.Fatalf("pending = %+v", p)
	}

	good, _ := json.Marshal(model.CommandReply{CorrelationID: id, Status: model.ReplyStatusOK})
	transport.deliver(topics.RepliesWildcard(), topics.Replies("afe-01"), good)
	res, err := d.AwaitResult(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %s, want Success", res.Outcome)
	}
}
