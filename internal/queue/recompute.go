package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"ceremony/internal/ceremony"
)

// TypeRecompute asks a worker to rebuild a session's attendance summary.
const TypeRecompute = "recompute_summary"

// RecomputeMessage builds the job for sessionID.
func RecomputeMessage(sessionID int64) Message {
	return Message{Type: TypeRecompute, Body: []byte(strconv.FormatInt(sessionID, 10))}
}

// RecomputeSession reads the session id of a recompute job.
func RecomputeSession(msg Message) (int64, error) {
	if msg.Type != TypeRecompute {
		return 0, fmt.Errorf("unexpected job type %q", msg.Type)
	}
	id, err := strconv.ParseInt(string(msg.Body), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", msg.Body)
	}
	return id, nil
}

// Retrier hands failed summary recomputes to the queue.
type Retrier struct {
	Queue Queue
}

var _ ceremony.RecomputeRetrier = Retrier{}

// RetryRecompute implements ceremony.RecomputeRetrier.
func (r Retrier) RetryRecompute(ctx context.Context, sessionID int64) error {
	return r.Queue.Publish(ctx, RecomputeMessage(sessionID))
}

// Recomputer rebuilds one session summary.
type Recomputer interface {
	RecomputeSummary(ctx context.Context, sessionID int64) (ceremony.Summary, error)
}

// Worker drains recompute jobs.
type Worker struct {
	Queue      Queue
	Recomputer Recomputer
	Logger     *slog.Logger
	// OnJob, when set, observes every processed job.
	OnJob func(ok bool)
}

// Run consumes jobs until ctx is done. A job that fails again is dropped:
// the next ledger write recomputes the whole summary anyway.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msgs, err := w.Queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume jobs: %w", err)
	}
	for msg := range msgs {
		ok := w.handle(ctx, logger, msg)
		if w.OnJob != nil {
			w.OnJob(ok)
		}
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, logger *slog.Logger, msg Message) bool {
	sessionID, err := RecomputeSession(msg)
	if err != nil {
		logger.Warn("discarding job", "type", msg.Type, "error", err)
		return false
	}
	sum, err := w.Recomputer.RecomputeSummary(ctx, sessionID)
	if err != nil {
		logger.Error("summary recompute failed", "session_id", sessionID, "error", err)
		return false
	}
	logger.Info("summary recomputed", "session_id", sessionID, "attempts", sum.Attempts, "successes", sum.Successes)
	return true
}
