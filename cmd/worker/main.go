package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"caseanalysis-backend/internal/bootstrap"
	"caseanalysis-backend/internal/queue"
	"caseanalysis-backend/internal/shared/config"
	"caseanalysis-backend/internal/shared/metrics"
	"caseanalysis-backend/internal/shared/telemetry"
	"caseanalysis-backend/internal/workerproc"
)

func main() {
	cfg := config.Load()

	if cfg.QueueURL == "" {
		log.Fatal("CA_SQS_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := queue.LoadAWSConfig(ctx, cfg.AWSRegion)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	var sqsClient sqsAPI = sqs.NewFromConfig(awsCfg)

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleWorker)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	w := &worker{
		client:     sqsClient,
		queueURL:   cfg.QueueURL,
		processor:  app.AnalysesService,
		visibility: cfg.VisibilityTimeout,
	}
	concurrency := max(1, cfg.WorkerConcurrency)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	log.Printf("worker started queue=%s concurrency=%d visibility=%s", cfg.QueueURL, concurrency, cfg.VisibilityTimeout)

	// In-flight runs keep going after a shutdown signal until the grace
	// period ends; the poll loop stops at once.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(cfg.QueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   visibilitySeconds(cfg.VisibilityTimeout),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			log.Printf("receive message: %v", err)
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncJobsReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handleMessage(runCtx, m)
			}(msg)
		}
	}

	log.Printf("shutdown requested, waiting up to %s for in-flight runs", cfg.ShutdownTimeout)
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(cfg.ShutdownTimeout):
		log.Printf("shutdown timeout reached; interrupting in-flight runs")
		cancelRuns()
		<-waitDone
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type worker struct {
	client     sqsAPI
	queueURL   string
	processor  workerproc.Processor
	visibility time.Duration
}

func (w *worker) handleMessage(ctx context.Context, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := baseFields(msg, decoded.RunID, decoded.RequestID)
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		telemetry.Error(poisonEvent(err), fields)
		if w.deleteMessage(ctx, msg, decoded.RunID, decoded.RequestID) {
			metrics.IncJobsDeletedUnrecoverable()
		}
		return
	}

	fields := baseFields(msg, decoded.RunID, decoded.RequestID)
	fields["action"] = string(decoded.Action)
	telemetry.Info("worker.run.received", fields)

	stopHeartbeat := w.heartbeat(ctx, msg, decoded.RunID)
	err = workerproc.Dispatch(ctx, w.processor, decoded)
	stopHeartbeat()

	if err != nil {
		fields := baseFields(msg, decoded.RunID, decoded.RequestID)
		fields["action"] = string(decoded.Action)
		var procErr workerproc.ErrProcess
		if errors.As(err, &procErr) && procErr.Err != nil {
			fields["error"] = procErr.Err.Error()
		} else {
			fields["error"] = err.Error()
		}
		if workerproc.IsPoison(err) {
			telemetry.Error("worker.run.unknown_action", fields)
			if w.deleteMessage(ctx, msg, decoded.RunID, decoded.RequestID) {
				metrics.IncJobsDeletedUnrecoverable()
			}
			return
		}
		telemetry.Error("worker.run.failed", fields)
		metrics.IncJobsFailed()
		return
	}

	if w.deleteMessage(ctx, msg, decoded.RunID, decoded.RequestID) {
		telemetry.Info("worker.run.completed", baseFields(msg, decoded.RunID, decoded.RequestID))
		metrics.IncJobsCompleted()
	}
}

// heartbeat extends the message visibility while a run is being driven so
// long runs are not redelivered to another worker.
func (w *worker) heartbeat(ctx context.Context, msg sqstypes.Message, runID string) func() {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" || w.visibility <= 0 {
		return func() {}
	}
	interval := w.visibility / 2
	if interval < time.Second {
		interval = time.Second
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := w.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(w.queueURL),
					ReceiptHandle:     aws.String(receipt),
					VisibilityTimeout: visibilitySeconds(w.visibility),
				})
				if err != nil {
					fields := baseFields(msg, runID, "")
					fields["error"] = err.Error()
					telemetry.Warn("worker.run.visibility_extend_failed", fields)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (w *worker) deleteMessage(ctx context.Context, msg sqstypes.Message, runID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, runID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.run.delete_failed", fields)
		return false
	}
	if _, err := w.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, runID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.run.delete_failed", fields)
		return false
	}
	return true
}

func poisonEvent(err error) string {
	var (
		empty   workerproc.ErrEmptyBody
		missing workerproc.ErrMissingRunID
		action  workerproc.ErrUnknownAction
	)
	switch {
	case errors.As(err, &empty):
		return "worker.run.empty_body"
	case errors.As(err, &missing):
		return "worker.run.missing_id"
	case errors.As(err, &action):
		return "worker.run.unknown_action"
	default:
		return "worker.run.decode_failed"
	}
}

func baseFields(msg sqstypes.Message, runID, requestID string) map[string]any {
	fields := map[string]any{
		"run_id":         runID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func visibilitySeconds(d time.Duration) int32 {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return 0
	}
	// SQS caps visibility at 12 hours.
	if secs > 43200 {
		secs = 43200
	}
	return int32(secs)
}
