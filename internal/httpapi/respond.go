package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ceremony/internal/ceremony"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool          `json:"success"`
	Code    ceremony.Code `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Changed *bool         `json:"changed,omitempty"`
	Data    any           `json:"data,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

// mutated reports a mutating outcome.
func mutated(c *gin.Context, status int, changed bool, data any) {
	c.JSON(status, envelope{Success: true, Changed: &changed, Data: data})
}

// fail maps err to a status. Informational outcomes answer 200 with
// changed=false; data, when given, rides along with failures too.
func (s *server) fail(c *gin.Context, err error, data any) {
	code := ceremony.CodeOf(err)
	if ceremony.IsInformational(err) {
		unchanged := false
		c.JSON(http.StatusOK, envelope{Success: true, Code: code, Message: err.Error(), Changed: &unchanged, Data: data})
		return
	}
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		if code == "" {
			msg = "internal error"
		}
	}
	c.JSON(status, envelope{Success: false, Code: code, Message: msg, Data: data})
}

func statusOf(err error) int {
	var ge *ceremony.GatewayError
	switch code := ceremony.CodeOf(err); code {
	case ceremony.CodeInvalidArgument:
		return http.StatusBadRequest
	case ceremony.CodeNotFound:
		return http.StatusNotFound
	case ceremony.CodeNotEligible, ceremony.CodeEmptyQueue, ceremony.CodeAlreadyRegistered:
		return http.StatusConflict
	case ceremony.CodeNoMatch:
		return http.StatusUnprocessableEntity
	case ceremony.CodeConfirmationRequired:
		return http.StatusForbidden
	case ceremony.CodeAlreadyQueued, ceremony.CodeAlreadyAnnounced:
		return http.StatusOK
	case ceremony.CodeGateway:
		if asGateway(err, &ge) && ge.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
