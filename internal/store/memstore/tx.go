package memstore

import (
	"context"
	"strings"
	"time"

	"ceremony/internal/ceremony"
)

// tx mutates a private state copy. The store's writer lock is held for the
// whole transaction, so Lock* methods only select.
type tx struct {
	*state
}

var _ ceremony.Tx = (*tx)(nil)

func (t *tx) CreateSession(_ context.Context, name string, at time.Time) (ceremony.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ceremony.Session{}, ceremony.Invalidf("session name is required")
	}
	for _, s := range t.sessions {
		if s.Name == name {
			return ceremony.Session{}, ceremony.Errorf(ceremony.CodeAlreadyRegistered, "session %q already exists", name)
		}
	}
	t.nextSession++
	s := ceremony.Session{ID: t.nextSession, Name: name, CreatedAt: stamp(at)}
	t.sessions[s.ID] = s
	return s, nil
}

func (t *tx) InsertGraduate(_ context.Context, g ceremony.Graduate) (ceremony.Graduate, error) {
	if g.SessionID != nil {
		if _, ok := t.sessions[*g.SessionID]; !ok {
			return ceremony.Graduate{}, ceremony.NotFoundf("session %d not found", *g.SessionID)
		}
	}
	for _, other := range t.graduates {
		if g.QRToken != "" && other.QRToken == g.QRToken {
			return ceremony.Graduate{}, ceremony.Errorf(ceremony.CodeAlreadyRegistered, "qr token already issued")
		}
		if g.SessionID != nil && other.InSession(*g.SessionID) && other.StudentID == g.StudentID {
			return ceremony.Graduate{}, ceremony.Errorf(ceremony.CodeAlreadyRegistered,
				"student %s already registered in session %d", g.StudentID, *g.SessionID)
		}
	}
	t.nextGraduate++
	g.ID = t.nextGraduate
	g.RegisteredAt = stamp(g.RegisteredAt)
	t.graduates[g.ID] = g
	return g, nil
}

func (t *tx) SetStage(_ context.Context, graduateID int64, s ceremony.Stage, at time.Time) (ceremony.Graduate, bool, error) {
	if _, err := s.Column(); err != nil {
		return ceremony.Graduate{}, false, ceremony.Invalidf("%v", err)
	}
	g, ok := t.graduates[graduateID]
	if !ok {
		return ceremony.Graduate{}, false, ceremony.NotFoundf("graduate %d not found", graduateID)
	}
	if g.Stamp(s) != nil {
		return g, false, nil
	}
	if s == ceremony.StageAnnounced && g.QueuedAt == nil {
		return g, false, nil
	}
	ts := stamp(at)
	switch s {
	case ceremony.StageAttended:
		g.AttendedAt = &ts
	case ceremony.StageFaceVerified:
		g.FaceVerifiedAt = &ts
	case ceremony.StageFingerprintVerified:
		g.FingerprintVerifiedAt = &ts
	case ceremony.StageQueued:
		g.QueuedAt = &ts
	case ceremony.StageAnnounced:
		g.AnnouncedAt = &ts
	}
	t.graduates[g.ID] = g
	return g, true, nil
}

func (t *tx) LockAdmissible(_ context.Context, sessionID int64, studentID string, m ceremony.Method) (ceremony.Graduate, bool, error) {
	for _, g := range t.graduates {
		if g.InSession(sessionID) && g.StudentID == studentID && g.VerifiedAt(m) != nil && g.QueuedAt == nil {
			return g, true, nil
		}
	}
	return ceremony.Graduate{}, false, nil
}

func (t *tx) LockQueueHead(ctx context.Context, sessionID int64) (ceremony.Graduate, bool, error) {
	q, err := t.Queue(ctx, sessionID)
	if err != nil {
		return ceremony.Graduate{}, false, err
	}
	for _, g := range q {
		if g.AnnouncedAt == nil {
			return g, true, nil
		}
	}
	return ceremony.Graduate{}, false, nil
}

func (t *tx) LockAnnouncement(context.Context) (ceremony.Announcement, error) {
	return t.pointer, nil
}

func (t *tx) PointAnnouncement(_ context.Context, graduateID *int64, at time.Time) (ceremony.Announcement, error) {
	var id *int64
	if graduateID != nil {
		if _, ok := t.graduates[*graduateID]; !ok {
			return ceremony.Announcement{}, ceremony.NotFoundf("graduate %d not found", *graduateID)
		}
		v := *graduateID
		id = &v
	}
	ts := stamp(at)
	if floor := t.pointer.UpdatedAt.Add(time.Microsecond); ts.Before(floor) {
		ts = floor
	}
	t.pointer = ceremony.Announcement{GraduateID: id, UpdatedAt: ts}
	return t.pointer, nil
}

func (t *tx) ResetQueue(_ context.Context, sessionID int64) (int64, error) {
	var n int64
	for id, g := range t.graduates {
		if !g.InSession(sessionID) || (g.QueuedAt == nil && g.AnnouncedAt == nil) {
			continue
		}
		g.QueuedAt, g.AnnouncedAt = nil, nil
		t.graduates[id] = g
		n++
	}
	return n, nil
}

func (t *tx) AppendVerification(_ context.Context, e ceremony.VerificationEvent) (ceremony.VerificationEvent, error) {
	if _, ok := t.sessions[e.SessionID]; !ok {
		return ceremony.VerificationEvent{}, ceremony.NotFoundf("session %d not found", e.SessionID)
	}
	for _, other := range t.events {
		if other.ID == e.ID {
			return ceremony.VerificationEvent{}, ceremony.Errorf(ceremony.CodeAlreadyRegistered, "verification event %s already recorded", e.ID)
		}
	}
	if e.Confidence != nil {
		c := *e.Confidence
		e.Confidence = &c
	}
	e.CreatedAt = stamp(e.CreatedAt)
	t.events = append(t.events, e)
	return e, nil
}

func (t *tx) LockSummary(_ context.Context, sessionID int64) error {
	if _, ok := t.sessions[sessionID]; !ok {
		return ceremony.NotFoundf("session %d not found", sessionID)
	}
	if _, ok := t.summaries[sessionID]; !ok {
		t.summaries[sessionID] = ceremony.Summary{SessionID: sessionID}
	}
	return nil
}

func (t *tx) AggregateVerifications(_ context.Context, sessionID int64) (ceremony.Summary, error) {
	return ceremony.Summarize(sessionID, t.events), nil
}

func (t *tx) UpsertSummary(_ context.Context, s ceremony.Summary) (ceremony.Summary, error) {
	if _, ok := t.sessions[s.SessionID]; !ok {
		return ceremony.Summary{}, ceremony.NotFoundf("session %d not found", s.SessionID)
	}
	s.UpdatedAt = stamp(s.UpdatedAt)
	t.summaries[s.SessionID] = s
	return s, nil
}

// stamp matches the microsecond precision of a timestamptz column.
func stamp(at time.Time) time.Time {
	return at.UTC().Truncate(time.Microsecond)
}
