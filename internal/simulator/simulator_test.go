package simulator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

func newTestAgent() *Agent {
	return New(Config{DeviceID: "afe-sim", Channels: 4}, nil, topic.NewBuilder("devices"))
}

func TestExecutePing(t *testing.T) {
	a := newTestAgent()
	reply := a.execute(model.CommandRequest{CorrelationID: "c1", Command: "ping"})
	if reply.Status != model.ReplyStatusOK || reply.CorrelationID != "c1" {
		t.Fatalf("reply = %+v", reply)
	}
	var res map[string]bool
	if err := json.Unmarshal(reply.Result, &res); err != nil || !res["pong"] {
		t.Fatalf("result = %s, err %v", reply.Result, err)
	}
}

func TestExecuteReadImpedance(t *testing.T) {
	a := newTestAgent()
	reply := a.execute(model.CommandRequest{
		CorrelationID: "c2",
		Command:       "read_impedance",
		Params:        json.RawMessage(`{"channel":2}`),
	})
	if reply.Status != model.ReplyStatusOK {
		t.Fatalf("reply = %+v", reply)
	}
	var r wireReading
	if err := json.Unmarshal(reply.Result, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Channel != 2 || r.MeasurementType != "impedance" || r.Value <= 0 {
		t.Fatalf("reading = %+v", r)
	}

	reply = a.execute(model.CommandRequest{
		CorrelationID: "c3",
		Command:       "read_impedance",
		Params:        json.RawMessage(`{"channel":9}`),
	})
	if reply.Status != model.ReplyStatusError || !strings.Contains(reply.Error, "out of range") {
		t.Fatalf("out-of-range reply = %+v", reply)
	}
}

func TestExecuteSetSamplingRate(t *testing.T) {
	a := newTestAgent()

	reply := a.execute(model.CommandRequest{
		CorrelationID: "c4",
		Command:       "set_sampling_rate",
		Params:        json.RawMessage(`{"rate":250}`),
	})
	if reply.Status != model.ReplyStatusOK {
		t.Fatalf("reply = %+v", reply)
	}
	a.mu.Lock()
	rate := a.samplingRate
	a.mu.Unlock()
	if rate != 250 {
		t.Fatalf("samplingRate = %d, want 250", rate)
	}

	for _, params := range []string{`{"rate":0}`, `{"rate":1000001}`, `not json`} {
		reply := a.execute(model.CommandRequest{
			CorrelationID: "c5",
			Command:       "set_sampling_rate",
			Params:        json.RawMessage(params),
		})
		if reply.Status != model.ReplyStatusError {
			t.Fatalf("params %s: reply = %+v, want error", params, reply)
		}
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	a := newTestAgent()
	reply := a.execute(model.CommandRequest{CorrelationID: "c6", Command: "reboot_flux_capacitor"})
	if reply.Status != model.ReplyStatusError || !strings.Contains(reply.Error, "unsupported") {
		t.Fatalf("reply = %+v", reply)
	}
}
