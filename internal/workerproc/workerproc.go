// Package workerproc parses queue payloads and dispatches them to the run
// processor.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"caseanalysis-backend/internal/analyses"
	"caseanalysis-backend/internal/queue"
)

// Processor drives runs for queue messages.
type Processor interface {
	ProcessRun(ctx context.Context, runID string) error
	ResumeRun(ctx context.Context, runID string) error
}

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrMissingRunID indicates a message without a run id.
type ErrMissingRunID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingRunID) Error() string { return "missing run id" }

// ErrUnknownAction indicates a message naming no known entry point.
type ErrUnknownAction struct {
	Meta   MessageMeta
	RunID  string
	Action queue.Action
}

func (e ErrUnknownAction) Error() string { return "unknown action " + string(e.Action) }

// ErrProcess indicates processing failed after successful parsing. The
// message should be left for redelivery.
type ErrProcess struct {
	RunID     string
	RequestID string
	Action    queue.Action
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process run"
	}
	return "process run: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// IsPoison reports whether err means the message can never be processed and
// should be deleted.
func IsPoison(err error) bool {
	var (
		empty   ErrEmptyBody
		decode  ErrDecode
		missing ErrMissingRunID
		action  ErrUnknownAction
	)
	return errors.As(err, &empty) || errors.As(err, &decode) || errors.As(err, &missing) || errors.As(err, &action)
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.RunID) == "" {
		return msg, meta, ErrMissingRunID{Meta: meta, RequestID: msg.RequestID}
	}
	if _, err := queue.ParseAction(string(msg.Action)); err != nil {
		return msg, meta, ErrUnknownAction{Meta: meta, RunID: msg.RunID, Action: msg.Action}
	}
	return msg, meta, nil
}

// Dispatch runs the entry point named by a parsed message.
func Dispatch(ctx context.Context, processor Processor, msg queue.Message) error {
	if processor == nil {
		return errors.New("run processor not configured")
	}
	ctx = analyses.WithRequestID(ctx, msg.RequestID)
	var err error
	switch msg.Action {
	case queue.ActionResume:
		err = processor.ResumeRun(ctx, msg.RunID)
	case queue.ActionProcess:
		err = processor.ProcessRun(ctx, msg.RunID)
	default:
		return ErrUnknownAction{RunID: msg.RunID, Action: msg.Action}
	}
	if err != nil {
		return ErrProcess{RunID: msg.RunID, RequestID: msg.RequestID, Action: msg.Action, Err: err}
	}
	return nil
}

// HandleMessage parses, validates and processes a message payload.
func HandleMessage(ctx context.Context, processor Processor, body string) error {
	msg, _, err := ParseMessage(body)
	if err != nil {
		return err
	}
	return Dispatch(ctx, processor, msg)
}
