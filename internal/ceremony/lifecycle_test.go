package ceremony_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ceremony/internal/ceremony"
)

func TestRegisterGraduate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.register(t, "S1")
	if g.ID == 0 || g.QRToken == "" {
		t.Fatalf("expected id and qr token, got %+v", g)
	}
	if g.State() != ceremony.StateRegistered {
		t.Fatalf("expected registered state, got %s", g.State())
	}

	_, err := f.lifecycle.RegisterGraduate(ctx, sid, ceremony.Registration{StudentID: "S1", FullName: "Again"})
	wantCode(t, err, ceremony.CodeAlreadyRegistered)

	_, err = f.lifecycle.RegisterGraduate(ctx, sid, ceremony.Registration{StudentID: " ", FullName: "Blank"})
	wantCode(t, err, ceremony.CodeInvalidArgument)

	_, err = f.lifecycle.RegisterGraduate(ctx, 99, ceremony.Registration{StudentID: "S2", FullName: "Lost"})
	wantCode(t, err, ceremony.CodeNotFound)
}

func TestStudentIDUniquePerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "S1")

	var other ceremony.Session
	err := f.store.InTx(ctx, func(tx ceremony.Tx) error {
		var err error
		other, err = tx.CreateSession(ctx, "Evening Session", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.lifecycle.RegisterGraduate(ctx, other.ID, ceremony.Registration{StudentID: "S1", FullName: "Twin"}); err != nil {
		t.Fatalf("same student id in another session: %v", err)
	}
}

func TestSettersAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.register(t, "S1")

	first, err := f.lifecycle.MarkAttended(ctx, g.ID)
	if err != nil {
		t.Fatalf("mark attended: %v", err)
	}
	if !first.Changed || first.Graduate.AttendedAt == nil {
		t.Fatalf("expected attended_at set, got %+v", first)
	}
	second, err := f.lifecycle.MarkAttended(ctx, g.ID)
	if err != nil {
		t.Fatalf("mark attended again: %v", err)
	}
	if second.Changed {
		t.Fatal("expected second call to be a no-op")
	}
	if !second.Graduate.AttendedAt.Equal(*first.Graduate.AttendedAt) {
		t.Fatalf("attended_at rewritten: %v -> %v", first.Graduate.AttendedAt, second.Graduate.AttendedAt)
	}

	if _, err := f.lifecycle.MarkVerified(ctx, g.ID, ceremony.MethodFingerprint); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	again, err := f.lifecycle.MarkVerified(ctx, g.ID, ceremony.MethodFingerprint)
	if err != nil || again.Changed {
		t.Fatalf("expected verified no-op, got %+v, %v", again, err)
	}
	_, err = f.lifecycle.MarkVerified(ctx, g.ID, "iris")
	wantCode(t, err, ceremony.CodeInvalidArgument)
}

func TestMarkQueuedTwiceKeepsFirstTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.register(t, "S1")

	first, err := f.lifecycle.MarkQueued(ctx, g.ID)
	if err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	second, err := f.lifecycle.MarkQueued(ctx, g.ID)
	wantCode(t, err, ceremony.CodeAlreadyQueued)
	if !ceremony.IsInformational(err) {
		t.Fatal("expected already queued to be informational")
	}
	if !second.Graduate.QueuedAt.Equal(*first.Graduate.QueuedAt) {
		t.Fatal("queued_at rewritten")
	}
}

func TestMarkAnnouncedRequiresQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.register(t, "S1")

	_, err := f.lifecycle.MarkAnnounced(ctx, g.ID)
	wantCode(t, err, ceremony.CodeNotEligible)
	if got := f.graduate(t, g.ID); got.AnnouncedAt != nil {
		t.Fatal("announced_at set without queued_at")
	}

	if _, err := f.lifecycle.MarkQueued(ctx, g.ID); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	if _, err := f.lifecycle.MarkAnnounced(ctx, g.ID); err != nil {
		t.Fatalf("mark announced: %v", err)
	}
	_, err = f.lifecycle.MarkAnnounced(ctx, g.ID)
	wantCode(t, err, ceremony.CodeAlreadyAnnounced)

	_, err = f.lifecycle.MarkAttended(ctx, 404)
	wantCode(t, err, ceremony.CodeNotFound)
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.register(t, "S1")

	tr, err := f.lifecycle.CheckIn(ctx, sid, g.QRToken)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if !tr.Changed || tr.Graduate.State() != ceremony.StateAttended {
		t.Fatalf("expected attended, got %+v", tr)
	}
	_, err = f.lifecycle.CheckIn(ctx, sid, "not-a-token")
	wantCode(t, err, ceremony.CodeNotFound)
	_, err = f.lifecycle.CheckIn(ctx, sid, "")
	wantCode(t, err, ceremony.CodeInvalidArgument)
}

func TestResetQueueRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.queued(t, "S1")

	_, err := f.lifecycle.ResetQueue(ctx, sid, false)
	wantCode(t, err, ceremony.CodeConfirmationRequired)
	if !errors.Is(err, ceremony.ErrConfirmationRequired) {
		t.Fatal("expected errors.Is to match the sentinel")
	}
	if got := f.graduate(t, g.ID); got.QueuedAt == nil {
		t.Fatal("unconfirmed reset changed state")
	}
}

func TestResetQueueClearsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.queued(t, "S1")
	b := f.queued(t, "S2")
	f.queued(t, "S3")
	if _, err := f.sequencer.AnnounceNext(ctx, sid); err != nil {
		t.Fatalf("announce: %v", err)
	}

	var otherSession ceremony.Session
	var outsider ceremony.Graduate
	err := f.store.InTx(ctx, func(tx ceremony.Tx) error {
		var err error
		if otherSession, err = tx.CreateSession(ctx, "Evening Session", time.Now()); err != nil {
			return err
		}
		osid := otherSession.ID
		if outsider, err = tx.InsertGraduate(ctx, ceremony.Graduate{SessionID: &osid, StudentID: "X1", FullName: "Outsider", QRToken: "qr-x1", RegisteredAt: time.Now()}); err != nil {
			return err
		}
		_, _, err = tx.SetStage(ctx, outsider.ID, ceremony.StageQueued, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("seed other session: %v", err)
	}

	res, err := f.lifecycle.ResetQueue(ctx, sid, true)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.Cleared != 3 {
		t.Fatalf("expected 3 cleared, got %d", res.Cleared)
	}
	if !res.AnnouncementCleared || !res.Announcement.Idle() {
		t.Fatalf("expected pointer cleared, got %+v", res)
	}
	roster, err := f.lifecycle.Roster(ctx, sid)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	for _, g := range roster {
		if g.QueuedAt != nil || g.AnnouncedAt != nil {
			t.Fatalf("graduate %s still queued after reset", g.StudentID)
		}
		if g.FaceVerifiedAt == nil {
			t.Fatalf("reset cleared verification of %s", g.StudentID)
		}
	}
	got, err := f.store.Graduate(ctx, outsider.ID)
	if err != nil {
		t.Fatalf("outsider: %v", err)
	}
	if got.QueuedAt == nil {
		t.Fatal("reset leaked into another session")
	}

	if _, err := f.admission.QueueStudent(ctx, sid, a.StudentID, ceremony.MethodFace); err != nil {
		t.Fatalf("re-queue after reset: %v", err)
	}
	if _, err := f.admission.QueueStudent(ctx, sid, b.StudentID, ceremony.MethodFace); err != nil {
		t.Fatalf("re-queue after reset: %v", err)
	}
}

func TestResetQueueKeepsForeignAnnouncement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queued(t, "S1")
	if _, err := f.sequencer.AnnounceNext(ctx, sid); err != nil {
		t.Fatalf("announce: %v", err)
	}

	var other ceremony.Session
	err := f.store.InTx(ctx, func(tx ceremony.Tx) error {
		var err error
		other, err = tx.CreateSession(ctx, "Evening Session", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	res, err := f.lifecycle.ResetQueue(ctx, other.ID, true)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.AnnouncementCleared {
		t.Fatal("reset of another session cleared the pointer")
	}
	cur, err := f.sequencer.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Idle() {
		t.Fatal("expected announcement to survive")
	}
}

func TestEnsureSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, created, err := f.lifecycle.EnsureSession(ctx, "  Evening Session ")
	if err != nil || !created || s.Name != "Evening Session" {
		t.Fatalf("create: %+v, %v, %v", s, created, err)
	}
	again, created, err := f.lifecycle.EnsureSession(ctx, "Evening Session")
	if err != nil || created || again.ID != s.ID {
		t.Fatalf("expected existing session, got %+v, %v, %v", again, created, err)
	}
	if _, _, err := f.lifecycle.EnsureSession(ctx, " "); !errors.Is(err, ceremony.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
