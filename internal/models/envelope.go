package models

import (
	"time"
)

// AlertEnvelope wraps a persisted AlertEvent for the Kafka fan-out
type AlertEnvelope struct {
	// Persisted event
	Event *AlertEvent `json:"event"`

	// Fan-out metadata
	EnqueuedAt   time.Time `json:"enqueued_at"`
	WorkerNode   string    `json:"worker_node"`
	PartitionKey string    `json:"partition_key"`
}

// NewAlertEnvelope creates an envelope keyed by rule and device, so every
// event of one incident lands on the same partition
func NewAlertEnvelope(event *AlertEvent, node string) *AlertEnvelope {
	return &AlertEnvelope{
		Event:        event,
		EnqueuedAt:   time.Now().UTC(),
		WorkerNode:   node,
		PartitionKey: event.RuleID + ":" + event.DeviceID,
	}
}
