// Package handlers holds the job handlers the worker binary registers.
// Business effects live behind these types; the queue only sees the keys.
package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"canpany-jobqueue/internal/queue"

	"github.com/sirupsen/logrus"
)

// Job type keys.
const (
	TypeEcho      = "echo.process"
	TypeEmailSend = "email.send"
)

// Register binds every handler in this package to reg.
func Register(reg *queue.Registry, log logrus.FieldLogger) *queue.Registry {
	return reg.
		Register(TypeEcho, Echo{Delay: time.Second, Log: log}).
		Register(TypeEmailSend, queue.Typed(EmailSender{Log: log}.Send))
}

// Echo logs its payload after a short pause. Useful for smoke tests.
type Echo struct {
	Delay time.Duration
	Log   logrus.FieldLogger
}

func (e Echo) Handle(ctx context.Context, msg *queue.Message) (queue.Result, error) {
	select {
	case <-time.After(e.Delay):
	case <-ctx.Done():
		return queue.Result{}, ctx.Err()
	}
	e.Log.WithFields(logrus.Fields{"job_id": msg.JobID, "payload": msg.Payload}).Info("echo done")
	return queue.Result{Metadata: map[string]string{"echoed_bytes": strconv.Itoa(len(msg.Payload))}}, nil
}

// Email is the payload of an email.send job.
type Email struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

var errMissingRecipient = errors.New("email: recipient is required")

// EmailSender hands emails to the delivery provider. Delivery itself is
// configured elsewhere; here it is logged.
type EmailSender struct {
	Log logrus.FieldLogger
}

func (s EmailSender) Send(_ context.Context, e Email) error {
	if e.To == "" {
		return errMissingRecipient
	}
	s.Log.WithFields(logrus.Fields{"to": e.To, "template": e.Template}).Info("email dispatched")
	return nil
}
