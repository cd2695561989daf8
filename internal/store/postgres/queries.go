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

const graduateColumns = `id, session_id, student_id, full_name, program, email, cgpa, category, qr_token,
	registered_at, attended_at, face_verified_at, fingerprint_verified_at, queued_at, announced_at`

const eventColumns = `id, session_id, student_id, kind, method, successful, confidence, processing_ms, error, created_at`

const summaryColumns = `session_id, total_students, attempts, successes, face_verified_count, fingerprint_verified_count,
	total_verification_time_ms, average_verification_time_ms, success_rate, updated_at`

// queries implements ceremony.Reader over a pool or a transaction.
type queries struct {
	q dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

func (r queries) Session(ctx context.Context, id int64) (ceremony.Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, name, created_at FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Session{}, ceremony.NotFoundf("session %d not found", id)
	}
	return s, err
}

func (r queries) SessionByName(ctx context.Context, name string) (ceremony.Session, error) {
	name = strings.TrimSpace(name)
	row := r.q.QueryRowContext(ctx, `SELECT id, name, created_at FROM sessions WHERE name = $1`, name)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Session{}, ceremony.NotFoundf("session %q not found", name)
	}
	return s, err
}

func (r queries) Sessions(ctx context.Context) ([]ceremony.Session, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, name, created_at FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := make([]ceremony.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r queries) Graduate(ctx context.Context, id int64) (ceremony.Graduate, error) {
	return r.oneGraduate(ctx, fmt.Sprintf("graduate %d", id),
		`SELECT `+graduateColumns+` FROM graduates WHERE id = $1`, id)
}

func (r queries) GraduateByStudent(ctx context.Context, sessionID int64, studentID string) (ceremony.Graduate, error) {
	return r.oneGraduate(ctx, fmt.Sprintf("student %s in session %d", studentID, sessionID),
		`SELECT `+graduateColumns+` FROM graduates WHERE session_id = $1 AND student_id = $2`, sessionID, studentID)
}

func (r queries) GraduateByQRToken(ctx context.Context, sessionID int64, token string) (ceremony.Graduate, error) {
	return r.oneGraduate(ctx, fmt.Sprintf("qr token in session %d", sessionID),
		`SELECT `+graduateColumns+` FROM graduates WHERE session_id = $1 AND qr_token = $2`, sessionID, token)
}

func (r queries) Graduates(ctx context.Context, sessionID int64) ([]ceremony.Graduate, error) {
	return r.graduates(ctx, `SELECT `+graduateColumns+` FROM graduates WHERE session_id = $1 ORDER BY id`, sessionID)
}

func (r queries) Eligible(ctx context.Context, sessionID int64, m ceremony.Method) ([]ceremony.Graduate, error) {
	col, err := verifiedColumn(m)
	if err != nil {
		return nil, err
	}
	return r.graduates(ctx, `
		SELECT `+graduateColumns+` FROM graduates
		WHERE session_id = $1 AND queued_at IS NULL AND `+col+` IS NOT NULL
		ORDER BY `+col+`, id
	`, sessionID)
}

func (r queries) Queue(ctx context.Context, sessionID int64) ([]ceremony.Graduate, error) {
	return r.graduates(ctx, `
		SELECT `+graduateColumns+` FROM graduates
		WHERE session_id = $1 AND queued_at IS NOT NULL
		ORDER BY queued_at, id
	`, sessionID)
}

func (r queries) CurrentAnnouncement(ctx context.Context) (ceremony.Announcement, error) {
	row := r.q.QueryRowContext(ctx, `SELECT graduate_id, updated_at FROM current_announcement WHERE id = 1`)
	return scanAnnouncement(row)
}

func (r queries) Summary(ctx context.Context, sessionID int64) (ceremony.Summary, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM attendance_summaries WHERE session_id = $1`, sessionID)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Summary{}, ceremony.NotFoundf("no summary for session %d", sessionID)
	}
	return s, err
}

// VerificationEvents lists matching events newest first.
func (r queries) VerificationEvents(ctx context.Context, f ceremony.EventFilter) ([]ceremony.VerificationEvent, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SessionID != 0 {
		add("session_id = $%d", f.SessionID)
	}
	if f.Method != "" {
		add("method = $%d", string(f.Method))
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	query := `SELECT ` + eventColumns + ` FROM verification_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verification events: %w", err)
	}
	defer rows.Close()
	out := make([]ceremony.VerificationEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r queries) oneGraduate(ctx context.Context, what, query string, args ...any) (ceremony.Graduate, error) {
	g, err := scanGraduate(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Graduate{}, ceremony.NotFoundf("%s not found", what)
	}
	if err != nil {
		return ceremony.Graduate{}, fmt.Errorf("load %s: %w", what, err)
	}
	return g, nil
}

func (r queries) graduates(ctx context.Context, query string, args ...any) ([]ceremony.Graduate, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list graduates: %w", err)
	}
	defer rows.Close()
	out := make([]ceremony.Graduate, 0)
	for rows.Next() {
		g, err := scanGraduate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func verifiedColumn(m ceremony.Method) (string, error) {
	if !m.Valid() {
		return "", ceremony.Invalidf("unknown verification method %q", m)
	}
	return ceremony.VerifiedStage(m).Column()
}

func scanSession(row scanner) (ceremony.Session, error) {
	var s ceremony.Session
	if err := row.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
		return ceremony.Session{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func scanGraduate(row scanner) (ceremony.Graduate, error) {
	var (
		g         ceremony.Graduate
		sessionID sql.NullInt64
		cgpa      sql.NullFloat64
		stamps    [5]sql.NullTime
	)
	err := row.Scan(&g.ID, &sessionID, &g.StudentID, &g.FullName, &g.Program, &g.Email, &cgpa, &g.Category, &g.QRToken,
		&g.RegisteredAt, &stamps[0], &stamps[1], &stamps[2], &stamps[3], &stamps[4])
	if err != nil {
		return ceremony.Graduate{}, err
	}
	if sessionID.Valid {
		g.SessionID = &sessionID.Int64
	}
	if cgpa.Valid {
		g.CGPA = &cgpa.Float64
	}
	g.RegisteredAt = g.RegisteredAt.UTC()
	g.AttendedAt = nullTime(stamps[0])
	g.FaceVerifiedAt = nullTime(stamps[1])
	g.FingerprintVerifiedAt = nullTime(stamps[2])
	g.QueuedAt = nullTime(stamps[3])
	g.AnnouncedAt = nullTime(stamps[4])
	return g, nil
}

func scanAnnouncement(row scanner) (ceremony.Announcement, error) {
	var (
		a  ceremony.Announcement
		id sql.NullInt64
	)
	if err := row.Scan(&id, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ceremony.Announcement{}, ceremony.Errorf(ceremony.CodeInvariantViolation, "current announcement row missing")
		}
		return ceremony.Announcement{}, fmt.Errorf("load announcement: %w", err)
	}
	if id.Valid {
		a.GraduateID = &id.Int64
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func scanSummary(row scanner) (ceremony.Summary, error) {
	var s ceremony.Summary
	err := row.Scan(&s.SessionID, &s.TotalStudents, &s.Attempts, &s.Successes, &s.FaceVerifiedCount, &s.FingerprintVerifiedCount,
		&s.TotalVerificationMS, &s.AverageVerificationMS, &s.SuccessRate, &s.UpdatedAt)
	if err != nil {
		return ceremony.Summary{}, err
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func scanEvent(row scanner) (ceremony.VerificationEvent, error) {
	var (
		e          ceremony.VerificationEvent
		method     string
		confidence sql.NullFloat64
	)
	err := row.Scan(&e.ID, &e.SessionID, &e.StudentID, &e.Kind, &method, &e.Successful, &confidence, &e.ProcessingMS, &e.Error, &e.CreatedAt)
	if err != nil {
		return ceremony.VerificationEvent{}, err
	}
	e.Method = ceremony.Method(method)
	if confidence.Valid {
		e.Confidence = &confidence.Float64
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
