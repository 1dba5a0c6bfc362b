package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueMessage is the unit of work carried by the queue: one run to execute.
// LeaseToken and LeaseDeadline are set by the queue on delivery.
type QueueMessage struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int64          `json:"workflow_version"`
	TenantID        string         `json:"tenant_id"`
	TriggerID       string         `json:"trigger_id,omitempty"`
	Mode            RunMode        `json:"mode"`
	Payload         map[string]any `json:"payload,omitempty"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	Attempts        int            `json:"attempts"`
	LastError       string         `json:"last_error,omitempty"`
	LeaseToken      string         `json:"lease_token,omitempty"`
	LeaseDeadline   *time.Time     `json:"lease_deadline,omitempty"`
}

// Encode serializes the message for transport.
func (m *QueueMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a message produced by Encode.
func DecodeMessage(data []byte) (*QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// Clone returns a copy safe to hand to another goroutine.
func (m *QueueMessage) Clone() *QueueMessage {
	c := *m
	c.Payload = copyMap(m.Payload)
	if m.LeaseDeadline != nil {
		d := *m.LeaseDeadline
		c.LeaseDeadline = &d
	}
	return &c
}
