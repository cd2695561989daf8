package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ceremony/internal/ceremony"
	"ceremony/internal/confirm"
)

func (s *server) listSessions(c *gin.Context) {
	out, err := s.Lifecycle.Sessions(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, out)
}

func (s *server) getSession(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	out, err := s.Lifecycle.Session(c.Request.Context(), sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, out)
}

func (s *server) registerGraduate(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req ceremony.Registration
	if !s.bind(c, &req) {
		return
	}
	g, err := s.Lifecycle.RegisterGraduate(c.Request.Context(), sid, req)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusCreated, true, g)
}

func (s *server) listGraduates(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	out, err := s.Lifecycle.Roster(c.Request.Context(), sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, out)
}

func (s *server) getGraduate(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	g, err := s.Lifecycle.Find(c.Request.Context(), sid, c.Param("student_id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, gin.H{"graduate": g, "state": g.State()})
}

func (s *server) checkIn(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req struct {
		QRToken string `json:"qr_token" binding:"required"`
	}
	if !s.bind(c, &req) {
		return
	}
	t, err := s.Lifecycle.CheckIn(c.Request.Context(), sid, req.QRToken)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, t.Changed, t)
}

func (s *server) verify(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		Method    string `json:"method"`
		Sample    []byte `json:"sample" binding:"required"`
	}
	if !s.bind(c, &req) {
		return
	}
	m, err := optionalMethod(req.Method)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	res, err := s.Verifier.Verify(c.Request.Context(), ceremony.VerifyRequest{
		SessionID: sid,
		StudentID: req.StudentID,
		Method:    m,
		Sample:    req.Sample,
	})
	if err != nil {
		s.fail(c, err, matchData(err, res))
		return
	}
	mutated(c, http.StatusOK, res.Changed, res)
}

func (s *server) admit(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req struct {
		Method string `json:"method"`
		Sample []byte `json:"sample" binding:"required"`
	}
	if !s.bind(c, &req) {
		return
	}
	m, err := optionalMethod(req.Method)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	res, err := s.Admission.Admit(c.Request.Context(), ceremony.AdmitRequest{SessionID: sid, Method: m, Sample: req.Sample})
	if err != nil {
		s.fail(c, err, matchData(err, res))
		return
	}
	mutated(c, http.StatusOK, true, res)
}

func (s *server) queueStudent(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		Method    string `json:"method"`
	}
	if !s.bind(c, &req) {
		return
	}
	m, err := optionalMethod(req.Method)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	g, err := s.Admission.QueueStudent(c.Request.Context(), sid, req.StudentID, m)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, true, g)
}

func (s *server) listQueue(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	out, err := s.Sequencer.Queue(c.Request.Context(), sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, out)
}

func (s *server) status(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	st, err := s.Sequencer.Status(c.Request.Context(), sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, st)
}

func (s *server) announceNext(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	a, err := s.Sequencer.AnnounceNext(c.Request.Context(), sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, true, a)
}

func (s *server) announce(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	a, err := s.Sequencer.Announce(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, true, a)
}

func (s *server) currentAnnouncement(c *gin.Context) {
	a, err := s.Sequencer.Current(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, a)
}

func (s *server) clearAnnouncement(c *gin.Context) {
	a, err := s.Sequencer.Clear(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, true, a)
}

func (s *server) resetToken(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if _, err := s.Lifecycle.Session(c.Request.Context(), sid); err != nil {
		s.fail(c, err, nil)
		return
	}
	tok, err := s.Confirm.Issue(confirm.PurposeResetQueue, sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusCreated, tok)
}

func (s *server) reset(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req struct {
		ConfirmToken string `json:"confirm_token" binding:"required"`
	}
	if !s.bindAs(c, &req, ceremony.CodeConfirmationRequired) {
		return
	}
	confirmed := true
	if err := s.Confirm.Verify(req.ConfirmToken, confirm.PurposeResetQueue, sid); err != nil {
		s.logger.Warn("queue reset refused", "session_id", sid, "error", err)
		confirmed = false
	}
	res, err := s.Lifecycle.ResetQueue(c.Request.Context(), sid, confirmed)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, res.Cleared > 0 || res.AnnouncementCleared, res)
}

func (s *server) recordMetric(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	var req struct {
		StudentID    string   `json:"student_id" binding:"required"`
		Kind         string   `json:"kind"`
		Method       string   `json:"method" binding:"required,oneof=face fingerprint"`
		Successful   bool     `json:"successful"`
		Confidence   *float64 `json:"confidence" binding:"omitempty,min=0,max=1"`
		ProcessingMS int64    `json:"processing_time_ms" binding:"min=0"`
		Error        string   `json:"error"`
	}
	if !s.bind(c, &req) {
		return
	}
	m, err := ceremony.ParseMethod(req.Method)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	rec, err := s.Ledger.Record(c.Request.Context(), ceremony.VerificationEvent{
		SessionID:    sid,
		StudentID:    req.StudentID,
		Kind:         req.Kind,
		Method:       m,
		Successful:   req.Successful,
		Confidence:   req.Confidence,
		ProcessingMS: req.ProcessingMS,
		Error:        req.Error,
	})
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusCreated, true, rec)
}

func (s *server) listMetrics(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	f, err := eventFilter(c, sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	rep, err := s.Ledger.Report(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	ok(c, http.StatusOK, rep)
}

func (s *server) recompute(c *gin.Context) {
	sid, err := idParam(c, "sid")
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if _, err := s.Lifecycle.Session(c.Request.Context(), sid); err != nil {
		s.fail(c, err, nil)
		return
	}
	sum, err := s.Ledger.RecomputeSummary(c.Request.Context(), sid)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	mutated(c, http.StatusOK, true, sum)
}

func idParam(c *gin.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ceremony.Invalidf("invalid %s %q", name, raw)
	}
	return id, nil
}

func optionalMethod(raw string) (ceremony.Method, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return ceremony.ParseMethod(raw)
}

func eventFilter(c *gin.Context, sid int64) (ceremony.EventFilter, error) {
	f := ceremony.EventFilter{SessionID: sid, Kind: c.Query("kind")}
	if v := c.Query("method"); v != "" {
		m, err := ceremony.ParseMethod(v)
		if err != nil {
			return f, err
		}
		f.Method = m
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, ceremony.Invalidf("invalid %s %q", key, v)
		}
		*dst = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, ceremony.Invalidf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// matchData keeps the gateway answer in NO_MATCH responses.
func matchData(err error, res any) any {
	if ceremony.CodeOf(err) == ceremony.CodeNoMatch {
		return res
	}
	return nil
}
