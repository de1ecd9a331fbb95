package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/pkg/metrics"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

const replyQoS = 1

// Router subscribes to the wildcard replies topic and turns each reply
// into a Resolve on the dispatcher. Malformed or stray replies are logged
// and dropped; a reply is never allowed to crash the ingest path.
type Router struct {
	dispatcher *Dispatcher
	topics     *topic.Builder
	logger     log.Logger
}

func NewRouter(d *Dispatcher, topics *topic.Builder) *Router {
	return &Router{
		dispatcher: d,
		topics:     topics,
		logger:     log.WithName("dispatch.router"),
	}
}

// Subscribe registers the reply handler on the transport.
func (r *Router) Subscribe(ctx context.Context, client mqtt.Client) error {
	filter := r.topics.RepliesWildcard()
	if err := client.Subscribe(ctx, filter, replyQoS, r.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	r.logger.Info("Subscribed to reply topic", "filter", filter)
	return nil
}

// handle parses one reply payload and resolves the pending command.
func (r *Router) handle(_ context.Context, topicName string, payload []byte) {
	deviceID, ok := r.topics.DeviceID(topicName)
	if !ok {
		r.logger.Warn("Dropping reply on unparsable topic", "topic", topicName)
		metrics.RepliesDiscardedTotal.Inc()
		return
	}

	var reply model.CommandReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		r.logger.Warn("Dropping malformed reply payload",
			"deviceID", deviceID, "topic", topicName, "error", err.Error())
		metrics.RepliesDiscardedTotal.Inc()
		return
	}
	if reply.CorrelationID == "" {
		r.logger.Warn("Dropping reply without correlation ID", "deviceID", deviceID)
		metrics.RepliesDiscardedTotal.Inc()
		return
	}

	// A reply must resolve the command it correlates with even if the
	// registry has already marked the device stale; the liveness sweep is
	// advisory and the reply is proof of life for the command itself.
	if pend, err := r.dispatcher.Pending(reply.CorrelationID); err == nil && pend.DeviceID != deviceID {
		r.logger.Warn("Dropping reply from mismatched device",
			"correlationID", reply.CorrelationID, "expected", pend.DeviceID, "got", deviceID)
		metrics.RepliesDiscardedTotal.Inc()
		return
	}

	r.dispatcher.Resolve(reply.CorrelationID, resultFromReply(reply))
}

func resultFromReply(reply model.CommandReply) model.Result {
	switch reply.Status {
	case model.ReplyStatusOK:
		return model.Result{Outcome: model.OutcomeSuccess, Payload: reply.Result}
	case model.ReplyStatusError:
		return model.Result{Outcome: model.OutcomeDeviceError, Payload: reply.Result, Detail: reply.Error}
	default:
		return model.Result{
			Outcome: model.OutcomeDeviceError,
			Payload: reply.Result,
			Detail:  fmt.Sprintf("unrecognized reply status %q", reply.Status),
		}
	}
}
