package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"ceremony/internal/ceremony"
	"ceremony/internal/confirm"
	"ceremony/internal/gateway"
	"ceremony/internal/httpmiddleware"
	"ceremony/internal/notify"
	"ceremony/internal/store/memstore"
)

type matcherFunc func(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error)

func (f matcherFunc) Match(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error) {
	return f(ctx, req)
}

type testAPI struct {
	router  *gin.Engine
	store   *memstore.Store
	hub     *notify.Hub
	matcher ceremony.Matcher
	deps    Deps
}

type apiOption func(*Deps)

func newTestAPI(t *testing.T, matcher ceremony.Matcher, options ...apiOption) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if matcher == nil {
		matcher = gateway.New("", true)
	}
	st := memstore.New()
	hub := notify.NewHub(8, logger)
	opts := ceremony.Options{Logger: logger}
	policy := ceremony.DefaultPolicy()
	policy.Timeout = time.Second
	ledger := ceremony.NewLedger(st, nil, opts)
	issuer, err := confirm.NewIssuer("test-key", "ceremony-test", time.Minute)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	d := Deps{
		Lifecycle: ceremony.NewLifecycle(st, hub, opts),
		Admission: ceremony.NewAdmission(st, matcher, ledger, policy, opts),
		Verifier:  ceremony.NewVerifier(st, matcher, ledger, policy, opts),
		Sequencer: ceremony.NewSequencer(st, hub, opts),
		Ledger:    ledger,
		Confirm:   issuer,
		Hub:       hub,
		Gatherer:  prometheus.NewRegistry(),
		Heartbeat: 50 * time.Millisecond,
		Logger:    logger,
	}
	for _, o := range options {
		o(&d)
	}
	return &testAPI{router: NewRouter(d), store: st, hub: hub, matcher: matcher, deps: d}
}

type response struct {
	Status  int
	Success bool            `json:"success"`
	Code    ceremony.Code   `json:"code"`
	Message string          `json:"message"`
	Changed *bool           `json:"changed"`
	Data    json.RawMessage `json:"data"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any) response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	out := response{Status: w.Code}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return out
}

func (r response) decode(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, dst); err != nil {
		t.Fatalf("decode data %s: %v", r.Data, err)
	}
}

func (r response) want(t *testing.T, status int, code ceremony.Code) {
	t.Helper()
	if r.Status != status || r.Code != code {
		t.Fatalf("expected %d %q, got %d %q (%s)", status, code, r.Status, r.Code, r.Message)
	}
}

func changed(r response) bool { return r.Changed != nil && *r.Changed }

func (a *testAPI) register(t *testing.T, studentID string) ceremony.Graduate {
	t.Helper()
	res := a.do(t, http.MethodPost, "/v1/sessions/1/graduates", ceremony.Registration{StudentID: studentID, FullName: "Graduate " + studentID, Program: "BSc"})
	res.want(t, http.StatusCreated, "")
	var g ceremony.Graduate
	res.decode(t, &g)
	return g
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ceremony.Invalidf("x"), http.StatusBadRequest},
		{ceremony.NotFoundf("x"), http.StatusNotFound},
		{ceremony.ErrNotEligible, http.StatusConflict},
		{ceremony.ErrEmptyQueue, http.StatusConflict},
		{ceremony.ErrAlreadyRegistered, http.StatusConflict},
		{ceremony.ErrNoMatch, http.StatusUnprocessableEntity},
		{ceremony.ErrConfirmationRequired, http.StatusForbidden},
		{ceremony.ErrAlreadyQueued, http.StatusOK},
		{ceremony.ErrAlreadyAnnounced, http.StatusOK},
		{&ceremony.GatewayError{Op: "identify"}, http.StatusBadGateway},
		{&ceremony.GatewayError{Op: "identify", Timeout: true}, http.StatusGatewayTimeout},
		{ceremony.ErrInvariantViolation, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   ceremony.Code
		fields map[string]string
	}{
		{
			name: "registration without name", path: "/v1/sessions/1/graduates",
			body:   gin.H{"student_id": "S1"},
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"full_name": "required"},
		},
		{
			name: "registration cgpa out of range", path: "/v1/sessions/1/graduates",
			body:   gin.H{"student_id": "S1", "full_name": "One", "cgpa": 11},
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"cgpa": "max=10"},
		},
		{
			name: "empty checkin body", path: "/v1/sessions/1/checkins",
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"qr_token": "required"},
		},
		{
			name: "verification without sample or student", path: "/v1/sessions/1/verifications",
			body:   gin.H{"method": "face"},
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"student_id": "required", "sample": "required"},
		},
		{
			name: "admission without sample", path: "/v1/sessions/1/admissions",
			body:   gin.H{"method": "face"},
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"sample": "required"},
		},
		{
			name: "queue without student", path: "/v1/sessions/1/queue",
			body:   gin.H{"method": "fingerprint"},
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"student_id": "required"},
		},
		{
			name: "metric with unknown method", path: "/v1/sessions/1/metrics",
			body:   gin.H{"student_id": "S1", "method": "iris", "confidence": -0.5},
			status: http.StatusBadRequest, code: ceremony.CodeInvalidArgument,
			fields: map[string]string{"method": "oneof=face fingerprint", "confidence": "min=0"},
		},
		{
			name: "reset without token", path: "/v1/sessions/1/reset",
			body:   gin.H{},
			status: http.StatusForbidden, code: ceremony.CodeConfirmationRequired,
			fields: map[string]string{"confirm_token": "required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, nil)
			res := a.do(t, http.MethodPost, tt.path, tt.body)
			res.want(t, tt.status, tt.code)
			var data struct {
				Fields map[string]string `json:"fields"`
			}
			res.decode(t, &data)
			if len(data.Fields) != len(tt.fields) {
				t.Fatalf("expected fields %v, got %v", tt.fields, data.Fields)
			}
			for k, v := range tt.fields {
				if data.Fields[k] != v {
					t.Errorf("field %s: expected %q, got %q", k, v, data.Fields[k])
				}
			}
		})
	}
}

func TestSessionsAndGraduates(t *testing.T) {
	a := newTestAPI(t, nil)

	res := a.do(t, http.MethodGet, "/v1/sessions", nil)
	res.want(t, http.StatusOK, "")
	var sessions []ceremony.Session
	res.decode(t, &sessions)
	if len(sessions) != 1 || sessions[0].Name != memstore.DefaultSessionName {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	a.do(t, http.MethodGet, "/v1/sessions/abc", nil).want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)
	a.do(t, http.MethodGet, "/v1/sessions/9", nil).want(t, http.StatusNotFound, ceremony.CodeNotFound)

	g := a.register(t, "S1")
	if g.QRToken == "" {
		t.Fatal("expected a qr token")
	}
	a.do(t, http.MethodPost, "/v1/sessions/1/graduates", ceremony.Registration{StudentID: "S1", FullName: "Again"}).
		want(t, http.StatusConflict, ceremony.CodeAlreadyRegistered)
	a.do(t, http.MethodPost, "/v1/sessions/1/graduates", ceremony.Registration{StudentID: "S2"}).
		want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)

	res = a.do(t, http.MethodGet, "/v1/sessions/1/graduates/S1", nil)
	res.want(t, http.StatusOK, "")
	var found struct {
		Graduate ceremony.Graduate `json:"graduate"`
		State    ceremony.State    `json:"state"`
	}
	res.decode(t, &found)
	if found.Graduate.ID != g.ID || found.State != ceremony.StateRegistered {
		t.Fatalf("unexpected graduate %+v", found)
	}
	a.do(t, http.MethodGet, "/v1/sessions/1/graduates/S404", nil).want(t, http.StatusNotFound, ceremony.CodeNotFound)

	var roster []ceremony.Graduate
	a.do(t, http.MethodGet, "/v1/sessions/1/graduates", nil).decode(t, &roster)
	if len(roster) != 1 {
		t.Fatalf("expected one graduate, got %d", len(roster))
	}
}

func TestCheckIn(t *testing.T) {
	a := newTestAPI(t, nil)
	g := a.register(t, "S1")

	a.do(t, http.MethodPost, "/v1/sessions/1/checkins", gin.H{"qr_token": "nope"}).want(t, http.StatusNotFound, ceremony.CodeNotFound)
	a.do(t, http.MethodPost, "/v1/sessions/1/checkins", gin.H{}).want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)

	first := a.do(t, http.MethodPost, "/v1/sessions/1/checkins", gin.H{"qr_token": g.QRToken})
	first.want(t, http.StatusOK, "")
	if !changed(first) {
		t.Fatal("first check-in should change state")
	}
	again := a.do(t, http.MethodPost, "/v1/sessions/1/checkins", gin.H{"qr_token": g.QRToken})
	again.want(t, http.StatusOK, "")
	if changed(again) {
		t.Fatal("second check-in should be a no-op")
	}
}

func TestCeremonyFlow(t *testing.T) {
	a := newTestAPI(t, nil)
	a.register(t, "S1")
	a.register(t, "S2")

	a.do(t, http.MethodPost, "/v1/sessions/1/admissions", gin.H{"sample": []byte("x")}).
		want(t, http.StatusConflict, ceremony.CodeNotEligible)

	res := a.do(t, http.MethodPost, "/v1/sessions/1/verifications", gin.H{"student_id": "S1", "method": "face", "sample": []byte("jpeg")})
	res.want(t, http.StatusOK, "")
	var vr ceremony.VerifyResult
	res.decode(t, &vr)
	if !vr.Verified || !changed(res) || vr.Graduate.FaceVerifiedAt == nil || vr.Graduate.AttendedAt == nil {
		t.Fatalf("unexpected verification %+v", vr)
	}

	res = a.do(t, http.MethodPost, "/v1/sessions/1/admissions", gin.H{"sample": []byte("jpeg")})
	res.want(t, http.StatusOK, "")
	var ar ceremony.AdmitResult
	res.decode(t, &ar)
	if !ar.Admitted || ar.Graduate.StudentID != "S1" || ar.Eligible != 1 {
		t.Fatalf("unexpected admission %+v", ar)
	}

	again := a.do(t, http.MethodPost, "/v1/sessions/1/queue", gin.H{"student_id": "S1"})
	again.want(t, http.StatusOK, ceremony.CodeAlreadyQueued)
	if changed(again) || !again.Success {
		t.Fatalf("expected informational no-op, got %+v", again)
	}
	a.do(t, http.MethodPost, "/v1/sessions/1/queue", gin.H{"student_id": "S2"}).want(t, http.StatusConflict, ceremony.CodeNotEligible)
	a.do(t, http.MethodPost, "/v1/sessions/1/queue", gin.H{"student_id": "S2", "method": "iris"}).want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)

	var st ceremony.Status
	a.do(t, http.MethodGet, "/v1/sessions/1/status", nil).decode(t, &st)
	if st.QueueCount != 1 || st.Next == nil || st.Next.StudentID != "S1" || !st.Current.Idle() {
		t.Fatalf("unexpected status %+v", st)
	}

	res = a.do(t, http.MethodPost, "/v1/sessions/1/announcements/next", nil)
	res.want(t, http.StatusOK, "")
	var ann ceremony.Announcement
	res.decode(t, &ann)
	if ann.Graduate == nil || ann.Graduate.StudentID != "S1" {
		t.Fatalf("unexpected announcement %+v", ann)
	}
	a.do(t, http.MethodPost, "/v1/sessions/1/announcements/next", nil).want(t, http.StatusConflict, ceremony.CodeEmptyQueue)

	dup := a.do(t, http.MethodPost, "/v1/graduates/"+itoa(*ann.GraduateID)+"/announce", nil)
	dup.want(t, http.StatusOK, ceremony.CodeAlreadyAnnounced)
	if changed(dup) {
		t.Fatal("re-announcing should not change state")
	}

	var cur ceremony.Announcement
	a.do(t, http.MethodGet, "/v1/announcement", nil).decode(t, &cur)
	if !cur.UpdatedAt.Equal(ann.UpdatedAt) || cur.Graduate.StudentID != "S1" {
		t.Fatalf("unexpected current %+v", cur)
	}
	var cleared ceremony.Announcement
	a.do(t, http.MethodDelete, "/v1/announcement", nil).decode(t, &cleared)
	if !cleared.Idle() || !cleared.UpdatedAt.After(ann.UpdatedAt) {
		t.Fatalf("unexpected clear %+v", cleared)
	}

	var queue []ceremony.Graduate
	a.do(t, http.MethodGet, "/v1/sessions/1/queue", nil).decode(t, &queue)
	if len(queue) != 1 || queue[0].AnnouncedAt == nil {
		t.Fatalf("unexpected queue %+v", queue)
	}
}

func TestGatewayOutcomes(t *testing.T) {
	var answer func() (ceremony.MatchResult, error)
	a := newTestAPI(t, matcherFunc(func(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error) {
		return answer()
	}))
	g := a.register(t, "S1")
	if _, err := a.deps.Lifecycle.MarkVerified(context.Background(), g.ID, ceremony.MethodFace); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	answer = func() (ceremony.MatchResult, error) {
		return ceremony.MatchResult{Success: true, Valid: false, SubjectID: "S1", Confidence: 0.4}, nil
	}
	res := a.do(t, http.MethodPost, "/v1/sessions/1/admissions", gin.H{"sample": []byte("x")})
	res.want(t, http.StatusUnprocessableEntity, ceremony.CodeNoMatch)
	var ar ceremony.AdmitResult
	res.decode(t, &ar)
	if ar.Match.Confidence != 0.4 {
		t.Fatalf("expected match details, got %+v", ar)
	}

	answer = func() (ceremony.MatchResult, error) { return ceremony.MatchResult{}, errors.New("connection refused") }
	a.do(t, http.MethodPost, "/v1/sessions/1/admissions", gin.H{"sample": []byte("x")}).want(t, http.StatusBadGateway, ceremony.CodeGateway)

	answer = func() (ceremony.MatchResult, error) { return ceremony.MatchResult{}, context.DeadlineExceeded }
	a.do(t, http.MethodPost, "/v1/sessions/1/verifications", gin.H{"student_id": "S1", "sample": []byte("x")}).
		want(t, http.StatusGatewayTimeout, ceremony.CodeGateway)
}

func TestReset(t *testing.T) {
	a := newTestAPI(t, nil)
	g := a.register(t, "S1")
	ctx := context.Background()
	a.deps.Lifecycle.MarkQueued(ctx, g.ID)

	a.do(t, http.MethodPost, "/v1/sessions/1/reset", nil).want(t, http.StatusForbidden, ceremony.CodeConfirmationRequired)
	a.do(t, http.MethodPost, "/v1/sessions/1/reset", gin.H{"confirm_token": "forged"}).want(t, http.StatusForbidden, ceremony.CodeConfirmationRequired)
	a.do(t, http.MethodPost, "/v1/sessions/7/reset/token", nil).want(t, http.StatusNotFound, ceremony.CodeNotFound)

	res := a.do(t, http.MethodPost, "/v1/sessions/1/reset/token", nil)
	res.want(t, http.StatusCreated, "")
	var tok confirm.Token
	res.decode(t, &tok)

	res = a.do(t, http.MethodPost, "/v1/sessions/1/reset", gin.H{"confirm_token": tok.Value})
	res.want(t, http.StatusOK, "")
	var rr ceremony.ResetResult
	res.decode(t, &rr)
	if rr.Cleared != 1 || !changed(res) {
		t.Fatalf("unexpected reset %+v", rr)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	a := newTestAPI(t, nil)
	for _, ok := range []bool{true, false} {
		res := a.do(t, http.MethodPost, "/v1/sessions/1/metrics", gin.H{
			"student_id": "S1", "method": "fingerprint", "successful": ok, "processing_time_ms": 120, "confidence": 0.5,
		})
		res.want(t, http.StatusCreated, "")
	}
	a.do(t, http.MethodPost, "/v1/sessions/1/metrics", gin.H{"student_id": "S1", "method": "face", "confidence": 2}).
		want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)
	a.do(t, http.MethodPost, "/v1/sessions/1/metrics", gin.H{"student_id": "S1"}).
		want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)

	var rep ceremony.Report
	a.do(t, http.MethodGet, "/v1/sessions/1/metrics?method=fingerprint&limit=10", nil).decode(t, &rep)
	if len(rep.Events) != 2 || rep.Stats.SuccessfulVerifications != 1 || rep.Summary == nil || rep.Summary.Attempts != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	a.do(t, http.MethodGet, "/v1/sessions/1/metrics?from=yesterday", nil).want(t, http.StatusBadRequest, ceremony.CodeInvalidArgument)

	var sum ceremony.Summary
	a.do(t, http.MethodPost, "/v1/sessions/1/summary/recompute", nil).decode(t, &sum)
	if sum.FingerprintVerifiedCount != 1 || sum.SuccessRate != 50 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	a.do(t, http.MethodPost, "/v1/sessions/5/summary/recompute", nil).want(t, http.StatusNotFound, ceremony.CodeNotFound)
}

func TestHealthz(t *testing.T) {
	healthy := true
	a := newTestAPI(t, nil, func(d *Deps) {
		d.Checks = map[string]func(context.Context) bool{"db": func(context.Context) bool { return healthy }}
	})
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", w.Code)
	}
	healthy = false
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCaptureRateLimit(t *testing.T) {
	a := newTestAPI(t, nil, func(d *Deps) { d.Limiter = httpmiddleware.NewTokenBucket(1, 1) })
	g := a.register(t, "S1")
	a.do(t, http.MethodPost, "/v1/sessions/1/checkins", gin.H{"qr_token": g.QRToken}).want(t, http.StatusOK, "")
	a.do(t, http.MethodPost, "/v1/sessions/1/checkins", gin.H{"qr_token": g.QRToken}).want(t, http.StatusTooManyRequests, "RATE_LIMITED")
	// non-capture routes are not limited
	a.do(t, http.MethodGet, "/v1/sessions/1/status", nil).want(t, http.StatusOK, "")
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
