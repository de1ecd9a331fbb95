package telemetry

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
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

func TestBufferWraparound(t *testing.T) {
	b := NewBuffer(4)
	base := time.Now()
	for i := 0; i < 6; i++ {
		b.Append(model.Reading{
			DeviceID:  "afe-01",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Channel:   i,
		})
	}

	got := b.Query("afe-01", time.Time{}, time.Time{}, 0)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	// Oldest two samples fell off the back.
	for i, r := range got {
		if want := i + 2; r.Channel != want {
			t.Fatalf("got[%d].Channel = %d, want %d", i, r.Channel, want)
		}
	}
}

func TestBufferWindowAndLimit(t *testing.T) {
	b := NewBuffer(16)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		b.Append(model.Reading{
			DeviceID:  "afe-01",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Channel:   i,
		})
	}

	got := b.Query("afe-01", base.Add(2*time.Minute), base.Add(7*time.Minute), 0)
	if len(got) != 5 {
		t.Fatalf("window query len = %d, want 5", len(got))
	}
	if got[0].Channel != 2 || got[4].Channel != 6 {
		t.Fatalf("window bounds wrong: first %d last %d", got[0].Channel, got[4].Channel)
	}

	// Limit keeps the newest samples.
	got = b.Query("afe-01", time.Time{}, time.Time{}, 3)
	if len(got) != 3 || got[0].Channel != 7 {
		t.Fatalf("limited query = %+v", got)
	}

	if got := b.Query("afe-99", time.Time{}, time.Time{}, 0); got != nil {
		t.Fatalf("unknown device query = %v, want nil", got)
	}
}

func TestIngestRecordsReadingAndHeartbeat(t *testing.T) {
	reg := registry.New(nil)
	if _, err := reg.Register(context.Background(), "afe-01", "bench", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	svc := NewService(NewBuffer(16), NewCapturePipeline(nil), registry.NewIngestor(reg), topic.NewBuilder("devices"))

	payload := []byte(`{"measurementType":"impedance","channel":1,"value":512.4,"unit":"ohm","frequency":10000,"phase":-12.5}`)
	if err := svc.Ingest("afe-01", payload); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := svc.Query("afe-01", time.Time{}, time.Time{}, 0)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	r := got[0]
	if r.MeasurementType != "impedance" || r.Channel != 1 || r.Value != 512.4 || r.Frequency != 10000 {
		t.Fatalf("reading = %+v", r)
	}
	if string(r.Raw) != string(payload) {
		t.Fatal("raw payload not preserved")
	}

	// The reading counts as proof of life.
	dev, err := reg.Get("afe-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if dev.State != model.LivenessOnline {
		t.Fatalf("state = %s, want Online", dev.State)
	}
}

func TestIngestRejectsUnknownDeviceAndGarbage(t *testing.T) {
	reg := registry.New(nil)
	svc := NewService(NewBuffer(16), NewCapturePipeline(nil), registry.NewIngestor(reg), topic.NewBuilder("devices"))

	if err := svc.Ingest("afe-99", []byte(`{"value":1}`)); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := svc.Ingest("afe-99", []byte("not json")); err == nil {
		t.Fatal("garbage payload accepted")
	}
	if got := svc.Query("afe-99", time.Time{}, time.Time{}, 0); len(got) != 0 {
		t.Fatalf("rejected readings were buffered: %v", got)
	}
}

// captureRecorder is an in-memory core.CaptureStore.
type captureRecorder struct {
	mu   sync.Mutex
	puts map[string][][]byte
}

func (c *captureRecorder) PutCapture(ctx context.Context, deviceID string, at time.Time, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.puts == nil {
		c.puts = make(map[string][][]byte)
	}
	c.puts[deviceID] = append(c.puts[deviceID], payload)
	return nil
}

func (c *captureRecorder) PresignedCaptureURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return "https://example.invalid/" + objectKey, nil
}

func TestPipelineFlushesBatches(t *testing.T) {
	store := &captureRecorder{}
	p := NewCapturePipeline(store)
	p.flushInterval = 10 * time.Millisecond
	p.maxBatch = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx)
	}()

	base := time.Now()
	for i := 0; i < 5; i++ {
		p.Push(model.Reading{DeviceID: "afe-01", Timestamp: base, Channel: i, Value: float64(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.puts["afe-01"])
		store.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	var total int
	for _, payload := range store.puts["afe-01"] {
		var batch []model.Reading
		if err := json.Unmarshal(payload, &batch); err != nil {
			t.Fatalf("capture payload is not a reading array: %v", err)
		}
		total += len(batch)
	}
	if total != 5 {
		t.Fatalf("archived %d samples, want 5", total)
	}
}
