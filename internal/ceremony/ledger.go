package ceremony

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RecomputeRetrier schedules a later summary recompute for a session.
type RecomputeRetrier interface {
	RetryRecompute(ctx context.Context, sessionID int64) error
}

// Recorded is the outcome of appending a verification event.
type Recorded struct {
	Event          VerificationEvent `json:"event"`
	Summary        *Summary          `json:"summary,omitempty"`
	RecomputeError string            `json:"recompute_error,omitempty"`
}

// Stats are computed over a filtered ledger listing.
type Stats struct {
	TotalVerifications      int64      `json:"total_verifications"`
	SuccessfulVerifications int64      `json:"successful_verifications"`
	AverageConfidence       *float64   `json:"avg_confidence,omitempty"`
	AverageProcessingMS     *float64   `json:"avg_processing_time,omitempty"`
	TotalVerificationMS     int64      `json:"total_verification_time_ms"`
	FirstVerification       *time.Time `json:"first_verification,omitempty"`
	LastVerification        *time.Time `json:"last_verification,omitempty"`
}

// Report is a filtered ledger listing with its statistics.
type Report struct {
	Events  []VerificationEvent `json:"metrics"`
	Stats   Stats               `json:"summary"`
	Summary *Summary            `json:"attendance_summary,omitempty"`
}

// Ledger appends verification events and keeps the attendance summary in
// step by recomputing it from the full ledger after every write.
type Ledger struct {
	store Store
	retry RecomputeRetrier
	opts  Options
}

// NewLedger creates a ledger. retry may be nil.
func NewLedger(store Store, retry RecomputeRetrier, opts Options) *Ledger {
	return &Ledger{store: store, retry: retry, opts: opts.withDefaults()}
}

// Record appends e and recomputes the session summary. A failed recompute
// does not fail the call: the event stays written and the recompute is
// handed to the retrier.
func (l *Ledger) Record(ctx context.Context, e VerificationEvent) (Recorded, error) {
	if err := e.Validate(); err != nil {
		return Recorded{}, err
	}
	if _, err := l.store.Session(ctx, e.SessionID); err != nil {
		return Recorded{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.opts.Clock()
	}

	var rec Recorded
	err := l.store.InTx(ctx, func(tx Tx) error {
		var err error
		rec.Event, err = tx.AppendVerification(ctx, e)
		return err
	})
	if err != nil {
		return Recorded{}, err
	}
	l.opts.Observer.Verification(rec.Event.Method, rec.Event.Successful)

	s, err := l.RecomputeSummary(ctx, e.SessionID)
	if err != nil {
		rec.RecomputeError = err.Error()
		l.opts.Observer.RecomputeFailed()
		l.opts.Logger.Error("summary recompute failed", "session_id", e.SessionID, "error", err)
		if l.retry != nil {
			if rerr := l.retry.RetryRecompute(ctx, e.SessionID); rerr != nil {
				l.opts.Logger.Error("summary recompute retry not scheduled", "session_id", e.SessionID, "error", rerr)
			}
		}
		return rec, nil
	}
	rec.Summary = &s
	return rec, nil
}

// RecomputeSummary rebuilds the session summary from every ledger row. The
// summary row is locked before aggregating so concurrent recomputes apply in
// order and the last one has seen every committed event.
func (l *Ledger) RecomputeSummary(ctx context.Context, sessionID int64) (Summary, error) {
	var out Summary
	err := l.store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockSummary(ctx, sessionID); err != nil {
			return err
		}
		agg, err := tx.AggregateVerifications(ctx, sessionID)
		if err != nil {
			return err
		}
		agg.SessionID = sessionID
		agg.UpdatedAt = l.opts.Clock()
		out, err = tx.UpsertSummary(ctx, agg)
		return err
	})
	return out, err
}

// Summary returns the stored summary, zero-valued when nothing was recorded.
func (l *Ledger) Summary(ctx context.Context, sessionID int64) (Summary, error) {
	s, err := l.store.Summary(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		if _, serr := l.store.Session(ctx, sessionID); serr != nil {
			return Summary{}, serr
		}
		return Summary{SessionID: sessionID}, nil
	}
	return s, err
}

// Report lists events matching f with statistics over the listing.
func (l *Ledger) Report(ctx context.Context, f EventFilter) (Report, error) {
	f = f.Normalize()
	events, err := l.store.VerificationEvents(ctx, f)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Events: events, Stats: computeStats(events)}
	if f.SessionID != 0 {
		s, err := l.Summary(ctx, f.SessionID)
		if err != nil {
			return Report{}, err
		}
		rep.Summary = &s
	}
	return rep, nil
}

// recordQuiet is used by the gateway callers: the ledger is authoritative
// for metrics but never decides admission.
func (l *Ledger) recordQuiet(ctx context.Context, e VerificationEvent) {
	if l == nil {
		return
	}
	if _, err := l.Record(ctx, e); err != nil {
		l.opts.Logger.Error("verification event not recorded", "session_id", e.SessionID, "student_id", e.StudentID, "error", err)
	}
}

func computeStats(events []VerificationEvent) Stats {
	var (
		st      Stats
		confSum float64
		confN   int64
		procSum int64
	)
	for i := range events {
		e := events[i]
		st.TotalVerifications++
		at := e.CreatedAt
		if st.FirstVerification == nil || at.Before(*st.FirstVerification) {
			st.FirstVerification = &at
		}
		if st.LastVerification == nil || at.After(*st.LastVerification) {
			st.LastVerification = &at
		}
		if !e.Successful {
			continue
		}
		st.SuccessfulVerifications++
		procSum += e.ProcessingMS
		if e.Confidence != nil {
			confSum += *e.Confidence
			confN++
		}
	}
	st.TotalVerificationMS = procSum
	if confN > 0 {
		avg := confSum / float64(confN)
		st.AverageConfidence = &avg
	}
	if st.SuccessfulVerifications > 0 {
		avg := float64(procSum) / float64(st.SuccessfulVerifications)
		st.AverageProcessingMS = &avg
	}
	return st
}

func confidencePtr(res MatchResult) *float64 {
	c := res.Confidence
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}
