package httpapi

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"ceremony/internal/ceremony"
)

func init() {
	// Field errors name the JSON key the client sent.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	}
}

// bind decodes a JSON body and checks its binding tags. An empty body
// decodes to the zero value and is checked all the same.
func (s *server) bind(c *gin.Context, dst any) bool {
	return s.bindAs(c, dst, ceremony.CodeInvalidArgument)
}

// bindAs is bind with tag failures reported under code. A body that is not
// JSON is always INVALID_ARGUMENT.
func (s *server) bindAs(c *gin.Context, dst any, code ceremony.Code) bool {
	var err error
	if c.Request.ContentLength == 0 {
		err = binding.Validator.ValidateStruct(dst)
	} else {
		err = c.ShouldBindJSON(dst)
	}
	if err == nil {
		return true
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := fieldErrors(ve)
		s.fail(c, ceremony.Errorf(code, "invalid request: %s", describe(fields)), gin.H{"fields": fields})
		return false
	}
	s.fail(c, ceremony.Invalidf("malformed request body: %v", err), nil)
	return false
}

// fieldErrors maps each offending JSON key to the rule it broke.
func fieldErrors(ve validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fe.Field()] = rule
	}
	return out
}

func describe(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+fields[k])
	}
	return strings.Join(parts, ", ")
}
