package ceremony

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Transition is the outcome of a lifecycle setter.
type Transition struct {
	Graduate Graduate `json:"graduate"`
	Stage    Stage    `json:"stage"`
	Changed  bool     `json:"changed"`
}

// ResetResult reports what a queue reset cleared.
type ResetResult struct {
	SessionID           int64        `json:"session_id"`
	Cleared             int64        `json:"cleared"`
	AnnouncementCleared bool         `json:"announcement_cleared"`
	Announcement        Announcement `json:"announcement"`
}

// Lifecycle owns graduate registration and the timestamp setters.
type Lifecycle struct {
	store    Store
	notifier Notifier
	opts     Options
}

// NewLifecycle creates a lifecycle service. notifier may be nil.
func NewLifecycle(store Store, notifier Notifier, opts Options) *Lifecycle {
	return &Lifecycle{store: store, notifier: notifier, opts: opts.withDefaults()}
}

// Sessions lists every session.
func (l *Lifecycle) Sessions(ctx context.Context) ([]Session, error) {
	return l.store.Sessions(ctx)
}

// Session returns one session.
func (l *Lifecycle) Session(ctx context.Context, id int64) (Session, error) {
	return l.store.Session(ctx, id)
}

// EnsureSession returns the session called name, creating it when missing.
func (l *Lifecycle) EnsureSession(ctx context.Context, name string) (Session, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, false, Invalidf("session name is required")
	}
	s, err := l.store.SessionByName(ctx, name)
	if !errors.Is(err, ErrNotFound) {
		return s, false, err
	}
	err = l.store.InTx(ctx, func(tx Tx) error {
		var err error
		s, err = tx.CreateSession(ctx, name, l.opts.Clock())
		return err
	})
	if errors.Is(err, ErrAlreadyRegistered) {
		s, err = l.store.SessionByName(ctx, name)
		return s, false, err
	}
	if err != nil {
		return Session{}, false, err
	}
	l.opts.Logger.Info("session created", "session_id", s.ID, "name", s.Name)
	return s, true, nil
}

// Roster lists the graduates of a session.
func (l *Lifecycle) Roster(ctx context.Context, sessionID int64) ([]Graduate, error) {
	if _, err := l.store.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return l.store.Graduates(ctx, sessionID)
}

// Find returns the graduate with studentID in the session.
func (l *Lifecycle) Find(ctx context.Context, sessionID int64, studentID string) (Graduate, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return Graduate{}, Invalidf("student id is required")
	}
	return l.store.GraduateByStudent(ctx, sessionID, studentID)
}

// RegisterGraduate creates a graduate in the session with a fresh QR token.
func (l *Lifecycle) RegisterGraduate(ctx context.Context, sessionID int64, r Registration) (Graduate, error) {
	if err := r.Validate(); err != nil {
		return Graduate{}, err
	}
	if _, err := l.store.Session(ctx, sessionID); err != nil {
		return Graduate{}, err
	}
	sid := sessionID
	g := Graduate{
		SessionID:    &sid,
		StudentID:    r.StudentID,
		FullName:     r.FullName,
		Program:      r.Program,
		Email:        r.Email,
		CGPA:         r.CGPA,
		Category:     r.Category,
		QRToken:      uuid.NewString(),
		RegisteredAt: l.opts.Clock(),
	}
	var out Graduate
	err := l.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.InsertGraduate(ctx, g)
		return err
	})
	if err != nil {
		return Graduate{}, err
	}
	l.opts.Logger.Info("graduate registered", "session_id", sessionID, "student_id", out.StudentID, "graduate_id", out.ID)
	return out, nil
}

// CheckIn marks the graduate holding qrToken as attended.
func (l *Lifecycle) CheckIn(ctx context.Context, sessionID int64, qrToken string) (Transition, error) {
	qrToken = strings.TrimSpace(qrToken)
	if qrToken == "" {
		return Transition{}, Invalidf("qr token is required")
	}
	g, err := l.store.GraduateByQRToken(ctx, sessionID, qrToken)
	if err != nil {
		return Transition{}, err
	}
	return l.mark(ctx, g.ID, StageAttended)
}

// MarkAttended stamps attended_at once.
func (l *Lifecycle) MarkAttended(ctx context.Context, graduateID int64) (Transition, error) {
	return l.mark(ctx, graduateID, StageAttended)
}

// MarkVerified stamps the verification timestamp of m once.
func (l *Lifecycle) MarkVerified(ctx context.Context, graduateID int64, m Method) (Transition, error) {
	if !m.Valid() {
		return Transition{}, Invalidf("unknown verification method %q", m)
	}
	return l.mark(ctx, graduateID, VerifiedStage(m))
}

// MarkQueued stamps queued_at once. A second call reports ErrAlreadyQueued
// and leaves the first timestamp in place.
func (l *Lifecycle) MarkQueued(ctx context.Context, graduateID int64) (Transition, error) {
	t, err := l.mark(ctx, graduateID, StageQueued)
	if err != nil {
		return t, err
	}
	if !t.Changed {
		return t, newError(CodeAlreadyQueued, "graduate %d already queued", graduateID)
	}
	return t, nil
}

// MarkAnnounced stamps announced_at once, and only after queued_at.
func (l *Lifecycle) MarkAnnounced(ctx context.Context, graduateID int64) (Transition, error) {
	t, err := l.mark(ctx, graduateID, StageAnnounced)
	if err != nil {
		return t, err
	}
	if !t.Changed {
		return t, announceRejection(t.Graduate)
	}
	return t, nil
}

func (l *Lifecycle) mark(ctx context.Context, graduateID int64, s Stage) (Transition, error) {
	var t Transition
	err := l.store.InTx(ctx, func(tx Tx) error {
		g, changed, err := tx.SetStage(ctx, graduateID, s, l.opts.Clock())
		if err != nil {
			return err
		}
		t = Transition{Graduate: g, Stage: s, Changed: changed}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	if t.Changed {
		l.opts.Logger.Debug("graduate stage set", "graduate_id", graduateID, "stage", s)
	}
	return t, nil
}

// ResetQueue clears queued_at and announced_at for the whole session and
// the announcement pointer when it references that session. It is the only
// operation that nulls timestamps and refuses to run unless confirmed.
func (l *Lifecycle) ResetQueue(ctx context.Context, sessionID int64, confirmed bool) (ResetResult, error) {
	if !confirmed {
		return ResetResult{}, newError(CodeConfirmationRequired, "queue reset for session %d requires confirmation", sessionID)
	}
	if _, err := l.store.Session(ctx, sessionID); err != nil {
		return ResetResult{}, err
	}
	res := ResetResult{SessionID: sessionID}
	err := l.store.InTx(ctx, func(tx Tx) error {
		a, err := tx.LockAnnouncement(ctx)
		if err != nil {
			return err
		}
		res.Announcement = a
		if res.Cleared, err = tx.ResetQueue(ctx, sessionID); err != nil {
			return err
		}
		if a.GraduateID == nil {
			return nil
		}
		g, err := tx.Graduate(ctx, *a.GraduateID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && !g.InSession(sessionID) {
			return nil
		}
		res.Announcement, err = tx.PointAnnouncement(ctx, nil, l.opts.Clock())
		res.AnnouncementCleared = err == nil
		return err
	})
	if err != nil {
		return ResetResult{}, err
	}
	l.opts.Logger.Warn("queue reset", "session_id", sessionID, "cleared", res.Cleared, "announcement_cleared", res.AnnouncementCleared)
	if res.AnnouncementCleared {
		notify(ctx, l.notifier, l.opts, res.Announcement)
	}
	return res, nil
}

func announceRejection(g Graduate) error {
	if g.AnnouncedAt != nil {
		return newError(CodeAlreadyAnnounced, "graduate %d already announced", g.ID)
	}
	return notEligiblef("graduate %d is not queued", g.ID)
}

func notify(ctx context.Context, n Notifier, opts Options, a Announcement) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, a); err != nil {
		opts.Logger.Warn("announcement notify failed", "error", err)
	}
}
