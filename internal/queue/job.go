package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the main queue. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DefaultMaxRetries is used when neither the producer nor the caller set a bound.
const DefaultMaxRetries = 3

// Metadata keys written by the queue itself.
const (
	MetaDeadLetterReason = "dead_letter_reason"
	MetaDeadLetteredAt   = "dead_lettered_at"
	MetaLastError        = "last_error"
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the four known levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority accepts a level name ("critical") or its integer form ("3").
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return Priority(n), nil
}

// Message is the unit of work stored in the queue. Field names on the wire
// are fixed so that other producers can write compatible bodies.
type Message struct {
	JobID       string            `json:"JobId"`
	JobType     string            `json:"JobType"`
	Payload     string            `json:"Payload"`
	Priority    Priority          `json:"Priority"`
	RetryCount  int               `json:"RetryCount"`
	MaxRetries  int               `json:"MaxRetries"`
	EnqueuedAt  time.Time         `json:"EnqueuedAt"`
	ScheduledAt *time.Time        `json:"ScheduledAt"`
	Metadata    map[string]string `json:"Metadata"`
}

// NewMessage builds a message with a fresh JobId.
func NewMessage(jobType, payload string, priority Priority, maxRetries int) *Message {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Message{
		JobID:      uuid.NewString(),
		JobType:    jobType,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
		Metadata:   map[string]string{},
	}
}

func (m *Message) setMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	m.Metadata[key] = value
}

func (m *Message) encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("queue: encode job %s: %w", m.JobID, err)
	}
	return string(b), nil
}

func decodeMessage(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	return &m, nil
}
