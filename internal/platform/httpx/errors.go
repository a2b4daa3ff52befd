package httpx

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationProblem renders validator failures as an RFC7807 response with
// one entry per invalid field.
func ValidationProblem(w http.ResponseWriter, errs validator.ValidationErrors) {
	fields := make([]FieldError, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, FieldError{
			Field:  strings.ToLower(fe.Field()[:1]) + fe.Field()[1:],
			Reason: reasonFor(fe),
		})
	}
	JSON(w, http.StatusBadRequest, struct {
		ProblemDetail
		Fields []FieldError `json:"fields"`
	}{
		ProblemDetail: ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
		},
		Fields: fields,
	})
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
