// Package ceremony holds the graduation ceremony lifecycle: graduate state
// transitions, race-safe queue admission, FIFO announcement and the
// verification ledger with its recomputed attendance summary.
//
// Every operation takes the session it applies to as an explicit argument.
package ceremony

import (
	"fmt"
	"strings"
	"time"
)

// Method is the biometric verification method.
type Method string

const (
	MethodFace        Method = "face"
	MethodFingerprint Method = "fingerprint"
)

// Methods lists every supported verification method.
var Methods = []Method{MethodFace, MethodFingerprint}

// ParseMethod normalizes and validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodFace:
		return MethodFace, nil
	case MethodFingerprint:
		return MethodFingerprint, nil
	}
	return "", Invalidf("unknown verification method %q", s)
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodFace || m == MethodFingerprint
}

// Stage names one lifecycle timestamp of a graduate.
type Stage string

const (
	StageAttended            Stage = "attended"
	StageFaceVerified        Stage = "face_verified"
	StageFingerprintVerified Stage = "fingerprint_verified"
	StageQueued              Stage = "queued"
	StageAnnounced           Stage = "announced"
)

// VerifiedStage maps a method to the stage it stamps.
func VerifiedStage(m Method) Stage {
	if m == MethodFingerprint {
		return StageFingerprintVerified
	}
	return StageFaceVerified
}

// Column is the graduates column backing the stage.
func (s Stage) Column() (string, error) {
	switch s {
	case StageAttended, StageFaceVerified, StageFingerprintVerified, StageQueued, StageAnnounced:
		return string(s) + "_at", nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// State is the derived position of a graduate in the ceremony.
type State string

const (
	StateRegistered State = "registered"
	StateAttended   State = "attended"
	StateVerified   State = "verified"
	StateQueued     State = "queued"
	StateAnnounced  State = "announced"
)

// Session scopes graduates, verification events and announcements.
type Session struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Graduate is a registered graduate and its lifecycle timestamps.
type Graduate struct {
	ID                    int64      `json:"id"`
	SessionID             *int64     `json:"session_id,omitempty"`
	StudentID             string     `json:"student_id"`
	FullName              string     `json:"full_name"`
	Program               string     `json:"program"`
	Email                 string     `json:"email,omitempty"`
	CGPA                  *float64   `json:"cgpa,omitempty"`
	Category              string     `json:"category,omitempty"`
	QRToken               string     `json:"qr_token"`
	RegisteredAt          time.Time  `json:"registered_at"`
	AttendedAt            *time.Time `json:"attended_at,omitempty"`
	FaceVerifiedAt        *time.Time `json:"face_verified_at,omitempty"`
	FingerprintVerifiedAt *time.Time `json:"fingerprint_verified_at,omitempty"`
	QueuedAt              *time.Time `json:"queued_at,omitempty"`
	AnnouncedAt           *time.Time `json:"announced_at,omitempty"`
}

// Stamp returns the timestamp stored for a stage, nil when unset.
func (g Graduate) Stamp(s Stage) *time.Time {
	switch s {
	case StageAttended:
		return g.AttendedAt
	case StageFaceVerified:
		return g.FaceVerifiedAt
	case StageFingerprintVerified:
		return g.FingerprintVerifiedAt
	case StageQueued:
		return g.QueuedAt
	case StageAnnounced:
		return g.AnnouncedAt
	}
	return nil
}

// VerifiedAt returns the verification timestamp for m.
func (g Graduate) VerifiedAt(m Method) *time.Time {
	return g.Stamp(VerifiedStage(m))
}

// InSession reports whether the graduate belongs to sessionID.
func (g Graduate) InSession(sessionID int64) bool {
	return g.SessionID != nil && *g.SessionID == sessionID
}

// State derives the furthest lifecycle state reached.
func (g Graduate) State() State {
	switch {
	case g.AnnouncedAt != nil:
		return StateAnnounced
	case g.QueuedAt != nil:
		return StateQueued
	case g.FaceVerifiedAt != nil || g.FingerprintVerifiedAt != nil:
		return StateVerified
	case g.AttendedAt != nil:
		return StateAttended
	}
	return StateRegistered
}

// Registration is the input for registering a graduate.
type Registration struct {
	StudentID string   `json:"student_id" yaml:"student_id" binding:"required"`
	FullName  string   `json:"full_name" yaml:"full_name" binding:"required"`
	Program   string   `json:"program" yaml:"program"`
	Email     string   `json:"email,omitempty" yaml:"email" binding:"omitempty,email"`
	CGPA      *float64 `json:"cgpa,omitempty" yaml:"cgpa" binding:"omitempty,min=0,max=10"`
	Category  string   `json:"category,omitempty" yaml:"category"`
}

// Validate trims the registration and checks required fields.
func (r *Registration) Validate() error {
	r.StudentID = strings.TrimSpace(r.StudentID)
	r.FullName = strings.TrimSpace(r.FullName)
	r.Program = strings.TrimSpace(r.Program)
	r.Email = strings.TrimSpace(r.Email)
	r.Category = strings.TrimSpace(r.Category)
	if r.StudentID == "" {
		return Invalidf("student id is required")
	}
	if r.FullName == "" {
		return Invalidf("full name is required")
	}
	if r.CGPA != nil && (*r.CGPA < 0 || *r.CGPA > 10) {
		return Invalidf("cgpa %.2f out of range", *r.CGPA)
	}
	return nil
}

// Verification event kinds written by the engine itself.
const (
	KindVerify   = "verify"
	KindIdentify = "identify"
)

// VerificationEvent is one immutable ledger row.
type VerificationEvent struct {
	ID           string    `json:"id"`
	SessionID    int64     `json:"session_id"`
	StudentID    string    `json:"student_id"`
	Kind         string    `json:"kind"`
	Method       Method    `json:"method"`
	Successful   bool      `json:"successful"`
	Confidence   *float64  `json:"confidence,omitempty"`
	ProcessingMS int64     `json:"processing_ms"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate trims the event and checks the ledger constraints.
func (e *VerificationEvent) Validate() error {
	e.StudentID = strings.TrimSpace(e.StudentID)
	e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
	e.Error = strings.TrimSpace(e.Error)
	if e.SessionID <= 0 {
		return Invalidf("session id is required")
	}
	if e.StudentID == "" {
		return Invalidf("student id is required")
	}
	if e.Kind == "" {
		e.Kind = KindVerify
	}
	if !e.Method.Valid() {
		return Invalidf("unknown verification method %q", e.Method)
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return Invalidf("confidence %.3f outside 0..1", *e.Confidence)
	}
	if e.ProcessingMS < 0 {
		return Invalidf("processing time must not be negative")
	}
	return nil
}

// Summary is the per-session attendance summary derived from the ledger.
type Summary struct {
	SessionID                int64     `json:"session_id"`
	TotalStudents            int64     `json:"total_students"`
	Attempts                 int64     `json:"attempts"`
	Successes                int64     `json:"successes"`
	FaceVerifiedCount        int64     `json:"face_verified_count"`
	FingerprintVerifiedCount int64     `json:"fingerprint_verified_count"`
	TotalVerificationMS      int64     `json:"total_verification_time_ms"`
	AverageVerificationMS    float64   `json:"average_verification_time_ms"`
	SuccessRate              float64   `json:"success_rate"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Summarize computes a summary from scratch over a session's events.
func Summarize(sessionID int64, events []VerificationEvent) Summary {
	s := Summary{SessionID: sessionID}
	students := make(map[string]struct{})
	for _, e := range events {
		if e.SessionID != sessionID {
			continue
		}
		students[e.StudentID] = struct{}{}
		s.Attempts++
		if !e.Successful {
			continue
		}
		s.Successes++
		s.TotalVerificationMS += e.ProcessingMS
		switch e.Method {
		case MethodFace:
			s.FaceVerifiedCount++
		case MethodFingerprint:
			s.FingerprintVerifiedCount++
		}
	}
	s.TotalStudents = int64(len(students))
	return s.Derive()
}

// Derive fills the average time and success rate from the counters.
func (s Summary) Derive() Summary {
	s.AverageVerificationMS, s.SuccessRate = 0, 0
	if s.Successes > 0 {
		s.AverageVerificationMS = float64(s.TotalVerificationMS) / float64(s.Successes)
	}
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) * 100 / float64(s.Attempts)
	}
	return s
}

// Announcement is the singleton pointer observed by display clients.
type Announcement struct {
	GraduateID *int64    `json:"graduate_id"`
	UpdatedAt  time.Time `json:"updated_at"`
	Graduate   *Graduate `json:"graduate,omitempty"`
}

// Idle reports whether nobody is currently announced.
func (a Announcement) Idle() bool {
	return a.GraduateID == nil
}

// EventFilter narrows ledger listings.
type EventFilter struct {
	SessionID int64
	Method    Method
	Kind      string
	From      time.Time
	To        time.Time
	Limit     int
}

// MaxEventLimit caps ledger listings.
const MaxEventLimit = 1000

// Normalize applies the default and maximum limit.
func (f EventFilter) Normalize() EventFilter {
	if f.Limit <= 0 || f.Limit > MaxEventLimit {
		f.Limit = MaxEventLimit
	}
	f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
	return f
}

// Match reports whether e passes the filter, ignoring the limit.
func (f EventFilter) Match(e VerificationEvent) bool {
	if f.SessionID != 0 && e.SessionID != f.SessionID {
		return false
	}
	if f.Method != "" && e.Method != f.Method {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
