package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ceremony/internal/ceremony"
)

// tx is the mutating side, only reachable inside Store.InTx.
type tx struct {
	queries
}

var _ ceremony.Tx = (*tx)(nil)

func (t *tx) CreateSession(ctx context.Context, name string, at time.Time) (ceremony.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ceremony.Session{}, ceremony.Invalidf("session name is required")
	}
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO sessions (name, created_at) VALUES ($1, $2)
		RETURNING id, name, created_at
	`, name, at)
	s, err := scanSession(row)
	if err != nil {
		return ceremony.Session{}, classify(err, fmt.Sprintf("create session %q", name))
	}
	return s, nil
}

func (t *tx) InsertGraduate(ctx context.Context, g ceremony.Graduate) (ceremony.Graduate, error) {
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO graduates (session_id, student_id, full_name, program, email, cgpa, category, qr_token, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+graduateColumns, g.SessionID, g.StudentID, g.FullName, g.Program, g.Email, g.CGPA, g.Category, g.QRToken, g.RegisteredAt)
	out, err := scanGraduate(row)
	if err != nil {
		return ceremony.Graduate{}, classify(err, fmt.Sprintf("register student %s", g.StudentID))
	}
	return out, nil
}

// SetStage is a single conditional UPDATE. A concurrent writer holding the
// row makes it wait and re-check the IS NULL guard after that writer commits.
func (t *tx) SetStage(ctx context.Context, graduateID int64, s ceremony.Stage, at time.Time) (ceremony.Graduate, bool, error) {
	col, err := s.Column()
	if err != nil {
		return ceremony.Graduate{}, false, ceremony.Invalidf("%v", err)
	}
	guard := col + ` IS NULL`
	if s == ceremony.StageAnnounced {
		guard += ` AND queued_at IS NOT NULL`
	}
	row := t.q.QueryRowContext(ctx, `
		UPDATE graduates SET `+col+` = $2
		WHERE id = $1 AND `+guard+`
		RETURNING `+graduateColumns, graduateID, at)
	g, err := scanGraduate(row)
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ceremony.Graduate{}, false, classify(err, fmt.Sprintf("set %s on graduate %d", col, graduateID))
	}
	g, err = t.Graduate(ctx, graduateID)
	if err != nil {
		return ceremony.Graduate{}, false, err
	}
	return g, false, nil
}

func (t *tx) LockAdmissible(ctx context.Context, sessionID int64, studentID string, m ceremony.Method) (ceremony.Graduate, bool, error) {
	col, err := verifiedColumn(m)
	if err != nil {
		return ceremony.Graduate{}, false, err
	}
	return t.lockOne(ctx, `
		SELECT `+graduateColumns+` FROM graduates
		WHERE session_id = $1 AND student_id = $2 AND queued_at IS NULL AND `+col+` IS NOT NULL
		FOR UPDATE
	`, sessionID, studentID)
}

func (t *tx) LockQueueHead(ctx context.Context, sessionID int64) (ceremony.Graduate, bool, error) {
	return t.lockOne(ctx, `
		SELECT `+graduateColumns+` FROM graduates
		WHERE session_id = $1 AND queued_at IS NOT NULL AND announced_at IS NULL
		ORDER BY queued_at, id
		LIMIT 1
		FOR UPDATE
	`, sessionID)
}

func (t *tx) LockAnnouncement(ctx context.Context) (ceremony.Announcement, error) {
	row := t.q.QueryRowContext(ctx, `SELECT graduate_id, updated_at FROM current_announcement WHERE id = 1 FOR UPDATE`)
	return scanAnnouncement(row)
}

func (t *tx) PointAnnouncement(ctx context.Context, graduateID *int64, at time.Time) (ceremony.Announcement, error) {
	row := t.q.QueryRowContext(ctx, `
		UPDATE current_announcement
		SET graduate_id = $1, updated_at = GREATEST($2::timestamptz, updated_at + interval '1 microsecond')
		WHERE id = 1
		RETURNING graduate_id, updated_at
	`, graduateID, at)
	a, err := scanAnnouncement(row)
	if err != nil {
		return ceremony.Announcement{}, classify(err, "point announcement")
	}
	return a, nil
}

func (t *tx) ResetQueue(ctx context.Context, sessionID int64) (int64, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE graduates SET queued_at = NULL, announced_at = NULL
		WHERE session_id = $1 AND (queued_at IS NOT NULL OR announced_at IS NOT NULL)
	`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("reset queue of session %d: %w", sessionID, err)
	}
	return res.RowsAffected()
}

func (t *tx) AppendVerification(ctx context.Context, e ceremony.VerificationEvent) (ceremony.VerificationEvent, error) {
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO verification_events (id, session_id, student_id, kind, method, successful, confidence, processing_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+eventColumns,
		e.ID, e.SessionID, e.StudentID, e.Kind, string(e.Method), e.Successful, e.Confidence, e.ProcessingMS, e.Error, e.CreatedAt)
	out, err := scanEvent(row)
	if err != nil {
		return ceremony.VerificationEvent{}, classify(err, fmt.Sprintf("append verification for %s", e.StudentID))
	}
	return out, nil
}

func (t *tx) LockSummary(ctx context.Context, sessionID int64) error {
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO attendance_summaries (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID); err != nil {
		return classify(err, fmt.Sprintf("create summary of session %d", sessionID))
	}
	var locked int64
	err := t.q.QueryRowContext(ctx, `SELECT session_id FROM attendance_summaries WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&locked)
	if err != nil {
		return fmt.Errorf("lock summary of session %d: %w", sessionID, err)
	}
	return nil
}

func (t *tx) AggregateVerifications(ctx context.Context, sessionID int64) (ceremony.Summary, error) {
	s := ceremony.Summary{SessionID: sessionID}
	err := t.q.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT student_id)::bigint,
			COUNT(*)::bigint,
			COUNT(*) FILTER (WHERE successful)::bigint,
			COUNT(*) FILTER (WHERE successful AND method = 'face')::bigint,
			COUNT(*) FILTER (WHERE successful AND method = 'fingerprint')::bigint,
			COALESCE(SUM(processing_ms) FILTER (WHERE successful), 0)::bigint
		FROM verification_events
		WHERE session_id = $1
	`, sessionID).Scan(&s.TotalStudents, &s.Attempts, &s.Successes, &s.FaceVerifiedCount, &s.FingerprintVerifiedCount, &s.TotalVerificationMS)
	if err != nil {
		return ceremony.Summary{}, fmt.Errorf("aggregate session %d: %w", sessionID, err)
	}
	return s.Derive(), nil
}

func (t *tx) UpsertSummary(ctx context.Context, s ceremony.Summary) (ceremony.Summary, error) {
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO attendance_summaries (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			total_students = EXCLUDED.total_students,
			attempts = EXCLUDED.attempts,
			successes = EXCLUDED.successes,
			face_verified_count = EXCLUDED.face_verified_count,
			fingerprint_verified_count = EXCLUDED.fingerprint_verified_count,
			total_verification_time_ms = EXCLUDED.total_verification_time_ms,
			average_verification_time_ms = EXCLUDED.average_verification_time_ms,
			success_rate = EXCLUDED.success_rate,
			updated_at = EXCLUDED.updated_at
		RETURNING `+summaryColumns,
		s.SessionID, s.TotalStudents, s.Attempts, s.Successes, s.FaceVerifiedCount, s.FingerprintVerifiedCount,
		s.TotalVerificationMS, s.AverageVerificationMS, s.SuccessRate, s.UpdatedAt)
	out, err := scanSummary(row)
	if err != nil {
		return ceremony.Summary{}, classify(err, fmt.Sprintf("upsert summary of session %d", s.SessionID))
	}
	return out, nil
}

func (t *tx) lockOne(ctx context.Context, query string, args ...any) (ceremony.Graduate, bool, error) {
	g, err := scanGraduate(t.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Graduate{}, false, nil
	}
	if err != nil {
		return ceremony.Graduate{}, false, fmt.Errorf("lock graduate: %w", err)
	}
	return g, true, nil
}
