package model

import (
	"encoding/json"
	"time"
)

// Outcome classifies how a pending command terminated.
type Outcome string

const (
	// OutcomeSuccess means the device replied with status ok.
	OutcomeSuccess Outcome = "Success"

	// OutcomeDeviceError means the device replied with an error of its own.
	OutcomeDeviceError Outcome = "DeviceError"

	// OutcomeTimeout means no reply arrived before the deadline.
	OutcomeTimeout Outcome = "Timeout"

	// OutcomeDispatchFailed means the publish to the transport itself
	// failed; the command never reached the broker.
	OutcomeDispatchFailed Outcome = "DispatchFailed"
)

// Result is the terminal value of a pending command, written exactly once.
type Result struct {
	Outcome Outcome `json:"outcome"`

	// Payload carries the device's result on success, or its error detail
	// on DeviceError. Empty for Timeout and DispatchFailed.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Detail is a human-readable note, e.g. the transport error text for
	// DispatchFailed.
	Detail string `json:"detail,omitempty"`
}

// PendingCommand is the bookkeeping record for one outstanding command.
// It is created at dispatch, resolved exactly once (reply, deadline expiry
// or dispatch failure, first writer wins) and evicted a grace period after
// resolution.
type PendingCommand struct {
	CorrelationID string          `json:"correlationId"`
	DeviceID      string          `json:"deviceId"`
	Command       string          `json:"command"`
	Params        json.RawMessage `json:"params,omitempty"`
	Deadline      time.Time       `json:"deadline"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CommandRequest is the wire payload published to devices/{id}/commands.
type CommandRequest struct {
	CorrelationID string          `json:"correlationId"`
	Command       string          `json:"command"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// CommandReply is the wire payload devices publish to devices/{id}/replies.
// Status is "ok" or "error"; Result carries the payload for ok, Error the
// detail for error.
type CommandReply struct {
	CorrelationID string          `json:"correlationId"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

const (
	ReplyStatusOK    = "ok"
	ReplyStatusError = "error"
)
