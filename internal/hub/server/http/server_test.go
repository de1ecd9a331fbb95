package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/hub/dispatch"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/internal/hub/telemetry"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
	"github.com/afehub-io/afehub/pkg/options"
)

// stubTransport is a canned mqtt.Client for handler tests. Published
// replies can be injected through the reply function.
type stubTransport struct {
	mu        sync.Mutex
	connected bool
	onPublish func(topic string, payload []byte)
}

func (s *stubTransport) Start(ctx context.Context) error           { return nil }
func (s *stubTransport) Disconnect(ctx context.Context)            {}
func (s *stubTransport) AwaitConnection(ctx context.Context) error { return nil }

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) Publish(ctx context.Context, t string, qos int, retain bool, payload []byte) error {
	s.mu.Lock()
	fn := s.onPublish
	s.mu.Unlock()
	if fn != nil {
		go fn(t, payload)
	}
	return nil
}

func (s *stubTransport) Subscribe(ctx context.Context, t string, qos int, h mqtt.MessageHandler) error {
	return nil
}

func (s *stubTransport) Unsubscribe(ctx context.Context, t string) error { return nil }

type fixture struct {
	srv       *httptest.Server
	registry  *registry.Registry
	dispatch  *dispatch.Dispatcher
	transport *stubTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := &stubTransport{connected: true}
	topics := topic.NewBuilder("devices")
	reg := registry.New(nil)
	ing := registry.NewIngestor(reg)
	d := dispatch.New(transport, topics, reg, &dispatch.Options{DefaultTimeout: time.Second})
	tel := telemetry.NewService(telemetry.NewBuffer(64), telemetry.NewCapturePipeline(nil), ing, topics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Start(ctx) }()

	h := NewHandlers(reg, ing, d, tel, transport)
	srv := httptest.NewServer(NewServer(options.NewHttpOptions(), h).Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, registry: reg, dispatch: d, transport: transport}
}

func (f *fixture) doJSON(t *testing.T, method, path, body string, out interface{}) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestDeviceLifecycle(t *testing.T) {
	f := newFixture(t)

	var dev model.Device
	resp := f.doJSON(t, http.MethodPost, "/api/v1/devices",
		`{"id":"afe-01","name":"bench rig","config":{"samplingRate":"100"}}`, &dev)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	if dev.ID != "afe-01" || dev.State != model.LivenessUnknown {
		t.Fatalf("device = %+v", dev)
	}

	resp = f.doJSON(t, http.MethodPost, "/api/v1/devices", `{"id":"afe-01"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", resp.StatusCode)
	}

	resp = f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/heartbeat", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d, want 204", resp.StatusCode)
	}

	resp = f.doJSON(t, http.MethodGet, "/api/v1/devices/afe-01", "", &dev)
	if resp.StatusCode != http.StatusOK || dev.State != model.LivenessOnline {
		t.Fatalf("get after heartbeat: status %d device %+v", resp.StatusCode, dev)
	}

	var devices []model.Device
	resp = f.doJSON(t, http.MethodGet, "/api/v1/devices", "", &devices)
	if resp.StatusCode != http.StatusOK || len(devices) != 1 {
		t.Fatalf("list: status %d devices %v", resp.StatusCode, devices)
	}

	resp = f.doJSON(t, http.MethodPut, "/api/v1/devices/afe-01/config", `{"samplingRate":"250"}`, &dev)
	if resp.StatusCode != http.StatusOK || dev.Config["samplingRate"] != "250" {
		t.Fatalf("config update: status %d device %+v", resp.StatusCode, dev)
	}

	resp = f.doJSON(t, http.MethodGet, "/api/v1/devices/afe-99", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown get status = %d, want 404", resp.StatusCode)
	}
	resp = f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-99/heartbeat", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown heartbeat status = %d, want 404", resp.StatusCode)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.doJSON(t, http.MethodPost, "/api/v1/devices", `{"id":"afe-01"}`, nil)
	f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/heartbeat", "", nil)

	// Echo device: every published command is answered with an ok reply.
	f.transport.mu.Lock()
	f.transport.onPublish = func(_ string, payload []byte) {
		var req model.CommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		f.dispatch.Resolve(req.CorrelationID, model.Result{
			Outcome: model.OutcomeSuccess,
			Payload: json.RawMessage(`{"pong":true}`),
		})
	}
	f.transport.mu.Unlock()

	var out commandResponse
	resp := f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/commands", `{"command":"ping"}`, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("command status = %d, want 200", resp.StatusCode)
	}
	if out.CorrelationID == "" || out.Result.Outcome != model.OutcomeSuccess {
		t.Fatalf("response = %+v", out)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.doJSON(t, http.MethodPost, "/api/v1/devices", `{"id":"afe-01"}`, nil)

	// Registered but not Online.
	resp := f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/commands", `{"command":"ping"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("offline command status = %d, want 409", resp.StatusCode)
	}

	resp = f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-99/commands", `{"command":"ping"}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown command status = %d, want 404", resp.StatusCode)
	}

	resp = f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/commands", `{}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty command status = %d, want 400", resp.StatusCode)
	}

	// No reply arrives: the watchdog resolves Timeout and the API maps it
	// to 504 with the correlation ID still in the body.
	f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/heartbeat", "", nil)
	var out commandResponse
	resp = f.doJSON(t, http.MethodPost, "/api/v1/devices/afe-01/commands", `{"command":"ping"}`, &out)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("timeout status = %d, want 504", resp.StatusCode)
	}
	if out.Result.Outcome != model.OutcomeTimeout || out.CorrelationID == "" {
		t.Fatalf("timeout response = %+v", out)
	}
}

func TestReadingsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.doJSON(t, http.MethodPost, "/api/v1/devices", `{"id":"afe-01"}`, nil)

	resp := f.doJSON(t, http.MethodGet, "/api/v1/devices/afe-01/readings", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty readings status = %d, want 200", resp.StatusCode)
	}

	resp = f.doJSON(t, http.MethodGet, "/api/v1/devices/afe-01/readings?from=bogus", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad from status = %d, want 400", resp.StatusCode)
	}
	resp = f.doJSON(t, http.MethodGet, "/api/v1/devices/afe-01/readings?limit=-1", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", resp.StatusCode)
	}
	resp = f.doJSON(t, http.MethodGet, "/api/v1/devices/afe-99/readings", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device readings status = %d, want 404", resp.StatusCode)
	}
}

func TestProbes(t *testing.T) {
	f := newFixture(t)

	resp, _ := http.Get(f.srv.URL + "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(f.srv.URL + "/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d", resp.StatusCode)
	}
	resp.Body.Close()

	f.transport.mu.Lock()
	f.transport.connected = false
	f.transport.mu.Unlock()
	resp, _ = http.Get(f.srv.URL + "/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with broker down = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(f.srv.URL + "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
