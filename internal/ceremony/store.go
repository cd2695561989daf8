package ceremony

import (
	"context"
	"log/slog"
	"time"
)

// Reader is the lock-free read side of the store.
type Reader interface {
	Session(ctx context.Context, id int64) (Session, error)
	SessionByName(ctx context.Context, name string) (Session, error)
	Sessions(ctx context.Context) ([]Session, error)

	Graduate(ctx context.Context, id int64) (Graduate, error)
	GraduateByStudent(ctx context.Context, sessionID int64, studentID string) (Graduate, error)
	GraduateByQRToken(ctx context.Context, sessionID int64, token string) (Graduate, error)
	Graduates(ctx context.Context, sessionID int64) ([]Graduate, error)
	// Eligible lists verified, unqueued graduates oldest-verified first.
	Eligible(ctx context.Context, sessionID int64, m Method) ([]Graduate, error)
	// Queue lists queued graduates in queued_at order, announced ones included.
	Queue(ctx context.Context, sessionID int64) ([]Graduate, error)

	CurrentAnnouncement(ctx context.Context) (Announcement, error)

	Summary(ctx context.Context, sessionID int64) (Summary, error)
	VerificationEvents(ctx context.Context, f EventFilter) ([]VerificationEvent, error)
}

// Tx is one atomic unit of work. Lock* methods hold a row lock until the
// transaction ends.
type Tx interface {
	Reader

	CreateSession(ctx context.Context, name string, at time.Time) (Session, error)
	InsertGraduate(ctx context.Context, g Graduate) (Graduate, error)

	// SetStage sets the stage timestamp to at only when it is still null.
	// StageAnnounced additionally requires queued_at to be set. It returns
	// the row as stored after the statement and whether it changed.
	SetStage(ctx context.Context, graduateID int64, s Stage, at time.Time) (Graduate, bool, error)

	// LockAdmissible locks the unqueued graduate of the session with the
	// given student id that is verified by m.
	LockAdmissible(ctx context.Context, sessionID int64, studentID string, m Method) (Graduate, bool, error)
	// LockQueueHead locks the oldest queued, unannounced graduate.
	LockQueueHead(ctx context.Context, sessionID int64) (Graduate, bool, error)
	LockAnnouncement(ctx context.Context) (Announcement, error)
	// PointAnnouncement overwrites the pointer. The stored updated_at is
	// max(at, previous + 1µs).
	PointAnnouncement(ctx context.Context, graduateID *int64, at time.Time) (Announcement, error)
	// ResetQueue clears queued_at and announced_at across the session.
	ResetQueue(ctx context.Context, sessionID int64) (int64, error)

	AppendVerification(ctx context.Context, e VerificationEvent) (VerificationEvent, error)
	// LockSummary creates the summary row if needed and locks it.
	LockSummary(ctx context.Context, sessionID int64) error
	AggregateVerifications(ctx context.Context, sessionID int64) (Summary, error)
	UpsertSummary(ctx context.Context, s Summary) (Summary, error)
}

// Store persists the ceremony. InTx rolls back everything fn did when it
// returns an error.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Notifier receives a hint after the announcement pointer changed.
type Notifier interface {
	Notify(ctx context.Context, a Announcement) error
}

// Observer receives engine outcomes for metrics.
type Observer interface {
	Admission(outcome string)
	Announcement(kind string)
	GatewayCall(m Method, outcome string, d time.Duration)
	Verification(m Method, successful bool)
	RecomputeFailed()
}

type nopObserver struct{}

func (nopObserver) Admission(string) {}

func (nopObserver) Announcement(string) {}

func (nopObserver) GatewayCall(Method, string, time.Duration) {}

func (nopObserver) Verification(Method, bool) {}

func (nopObserver) RecomputeFailed() {}

// Options carries ambient collaborators shared by the services.
type Options struct {
	Clock    func() time.Time
	Logger   *slog.Logger
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}
