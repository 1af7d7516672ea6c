package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"caseanalysis-backend/internal/queue"
)

type fakeSQS struct {
	mu       sync.Mutex
	deleted  []string
	extended int
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended++
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fakeProcessor struct {
	err     error
	delay   time.Duration
	resumed []string
	started []string
}

func (f *fakeProcessor) ProcessRun(ctx context.Context, runID string) error {
	f.started = append(f.started, runID)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (f *fakeProcessor) ResumeRun(ctx context.Context, runID string) error {
	f.resumed = append(f.resumed, runID)
	return f.err
}

func newTestWorker(client *fakeSQS, processor *fakeProcessor) *worker {
	return &worker{client: client, queueURL: "queue", processor: processor}
}

func message(t *testing.T, id string, m queue.Message) sqstypes.Message {
	t.Helper()
	body, err := queue.EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("r-" + id),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{}
	msg := message(t, "m1", queue.Message{RunID: "run-1", Action: queue.ActionProcess, RequestID: "req-1"})

	newTestWorker(client, proc).handleMessage(context.Background(), msg)

	if client.deletes() != 1 {
		t.Fatalf("expected delete, got %d", client.deletes())
	}
	if len(proc.started) != 1 || proc.started[0] != "run-1" {
		t.Fatalf("expected run-1 processed, got %v", proc.started)
	}
}

func TestWorkerRoutesResumeAction(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{}
	msg := message(t, "m2", queue.Message{RunID: "run-2", Action: queue.ActionResume})

	newTestWorker(client, proc).handleMessage(context.Background(), msg)

	if len(proc.resumed) != 1 || len(proc.started) != 0 {
		t.Fatalf("expected resume only, got resumed=%v started=%v", proc.resumed, proc.started)
	}
	if client.deletes() != 1 {
		t.Fatalf("expected delete, got %d", client.deletes())
	}
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{err: errors.New("boom")}
	msg := message(t, "m3", queue.Message{RunID: "run-3", RequestID: "req-3"})

	newTestWorker(client, proc).handleMessage(context.Background(), msg)

	if client.deletes() != 0 {
		t.Fatalf("expected no delete, got %d", client.deletes())
	}
}

func TestWorkerDeletesPoisonMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{bad-json"},
		{name: "empty body", body: "   "},
		{name: "missing run id", body: `{"action":"process"}`},
		{name: "unknown action", body: `{"runId":"run-4","action":"explode"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSQS{}
			proc := &fakeProcessor{}
			msg := sqstypes.Message{
				MessageId:     aws.String("m4"),
				ReceiptHandle: aws.String("r4"),
				Body:          aws.String(tt.body),
			}

			newTestWorker(client, proc).handleMessage(context.Background(), msg)

			if client.deletes() != 1 {
				t.Fatalf("expected delete, got %d", client.deletes())
			}
			if len(proc.started)+len(proc.resumed) != 0 {
				t.Fatalf("poison message reached the processor")
			}
		})
	}
}

func TestWorkerExtendsVisibilityDuringLongRuns(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{delay: 2500 * time.Millisecond}
	w := newTestWorker(client, proc)
	w.visibility = 2 * time.Second
	msg := message(t, "m5", queue.Message{RunID: "run-5"})

	w.handleMessage(context.Background(), msg)

	client.mu.Lock()
	extended := client.extended
	client.mu.Unlock()
	if extended == 0 {
		t.Fatalf("expected visibility to be extended")
	}
}

func TestVisibilitySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int32
	}{
		{in: 0, want: 0},
		{in: 20 * time.Minute, want: 1200},
		{in: 24 * time.Hour, want: 43200},
	}
	for _, tt := range tests {
		if got := visibilitySeconds(tt.in); got != tt.want {
			t.Fatalf("visibilitySeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
