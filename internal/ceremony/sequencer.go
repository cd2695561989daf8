package ceremony

import (
	"context"
	"errors"
)

// Status is the queue position of a session.
type Status struct {
	SessionID      int64        `json:"session_id"`
	QueueCount     int          `json:"queue_count"`
	AnnouncedCount int          `json:"announced_count"`
	Next           *Graduate    `json:"next,omitempty"`
	Current        Announcement `json:"current"`
}

// Sequencer announces queued graduates in queued_at order and owns the
// announcement pointer.
type Sequencer struct {
	store    Store
	notifier Notifier
	opts     Options
}

// NewSequencer creates a sequencer. notifier may be nil.
func NewSequencer(store Store, notifier Notifier, opts Options) *Sequencer {
	return &Sequencer{store: store, notifier: notifier, opts: opts.withDefaults()}
}

// AnnounceNext announces the oldest queued, unannounced graduate of the
// session. The pointer row is locked before the queue head, so concurrent
// callers serialize and each gets a distinct graduate. An empty queue leaves
// the pointer untouched.
func (s *Sequencer) AnnounceNext(ctx context.Context, sessionID int64) (Announcement, error) {
	if _, err := s.store.Session(ctx, sessionID); err != nil {
		return Announcement{}, err
	}
	var out Announcement
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAnnouncement(ctx); err != nil {
			return err
		}
		head, ok, err := tx.LockQueueHead(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return newError(CodeEmptyQueue, "no queued graduates awaiting announcement in session %d", sessionID)
		}
		out, err = s.point(ctx, tx, head.ID)
		return err
	})
	if err != nil {
		s.logFailure("announce next", err, "session_id", sessionID)
		return Announcement{}, err
	}
	s.announced(ctx, "next", out)
	return out, nil
}

// Announce announces one specific queued graduate out of order.
func (s *Sequencer) Announce(ctx context.Context, graduateID int64) (Announcement, error) {
	var out Announcement
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAnnouncement(ctx); err != nil {
			return err
		}
		var err error
		out, err = s.point(ctx, tx, graduateID)
		return err
	})
	if err != nil {
		s.logFailure("announce", err, "graduate_id", graduateID)
		return Announcement{}, err
	}
	s.announced(ctx, "direct", out)
	return out, nil
}

// Clear points the announcement at nobody.
func (s *Sequencer) Clear(ctx context.Context) (Announcement, error) {
	var out Announcement
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAnnouncement(ctx); err != nil {
			return err
		}
		var err error
		out, err = tx.PointAnnouncement(ctx, nil, s.opts.Clock())
		return err
	})
	if err != nil {
		return Announcement{}, err
	}
	s.announced(ctx, "clear", out)
	return out, nil
}

// Current returns the pointer with the announced graduate resolved.
func (s *Sequencer) Current(ctx context.Context) (Announcement, error) {
	a, err := s.store.CurrentAnnouncement(ctx)
	if err != nil {
		return Announcement{}, err
	}
	return s.resolve(ctx, a)
}

// Queue lists the session queue in announcement order.
func (s *Sequencer) Queue(ctx context.Context, sessionID int64) ([]Graduate, error) {
	if _, err := s.store.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.Queue(ctx, sessionID)
}

// Status summarizes the queue of a session.
func (s *Sequencer) Status(ctx context.Context, sessionID int64) (Status, error) {
	q, err := s.Queue(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	st := Status{SessionID: sessionID}
	for i := range q {
		if q[i].AnnouncedAt != nil {
			st.AnnouncedCount++
			continue
		}
		st.QueueCount++
		if st.Next == nil {
			next := q[i]
			st.Next = &next
		}
	}
	if st.Current, err = s.Current(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}

// point stamps announced_at and moves the pointer inside tx.
func (s *Sequencer) point(ctx context.Context, tx Tx, graduateID int64) (Announcement, error) {
	now := s.opts.Clock()
	g, changed, err := tx.SetStage(ctx, graduateID, StageAnnounced, now)
	if err != nil {
		return Announcement{}, err
	}
	if !changed {
		return Announcement{}, announceRejection(g)
	}
	id := g.ID
	a, err := tx.PointAnnouncement(ctx, &id, now)
	if err != nil {
		return Announcement{}, err
	}
	a.Graduate = &g
	return a, nil
}

func (s *Sequencer) resolve(ctx context.Context, a Announcement) (Announcement, error) {
	if a.GraduateID == nil {
		return a, nil
	}
	g, err := s.store.Graduate(ctx, *a.GraduateID)
	if errors.Is(err, ErrNotFound) {
		return a, nil
	}
	if err != nil {
		return Announcement{}, err
	}
	a.Graduate = &g
	return a, nil
}

func (s *Sequencer) announced(ctx context.Context, kind string, a Announcement) {
	s.opts.Observer.Announcement(kind)
	if a.Graduate != nil {
		s.opts.Logger.Info("graduate announced", "kind", kind, "graduate_id", a.Graduate.ID, "student_id", a.Graduate.StudentID)
	} else {
		s.opts.Logger.Info("announcement cleared")
	}
	notify(ctx, s.notifier, s.opts, a)
}

func (s *Sequencer) logFailure(op string, err error, args ...any) {
	if errors.Is(err, ErrInvariantViolation) {
		s.opts.Logger.Error(op+" invariant violated", append(args, "error", err)...)
		return
	}
	s.opts.Logger.Debug(op+" rejected", append(args, "error", err)...)
}
