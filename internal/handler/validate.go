package handler

import (
	stderrors "errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/Dan9191/card-ledger/internal/utils/response"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationDetails converts validator errors into a field -> message map
func validationDetails(err error) map[string]string {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return map[string]string{"body": err.Error()}
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			details[fe.Field()] = "This field is required"
		case "max":
			details[fe.Field()] = "Value is too long (max: " + fe.Param() + ")"
		case "email":
			details[fe.Field()] = "Invalid email address"
		default:
			details[fe.Field()] = "Invalid value"
		}
	}
	return details
}

// decode reads and validates a JSON body, answering 400 itself on failure
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := response.DecodeJSON(r.Body, v); err != nil {
		response.BadRequest(w, "Invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		response.ValidationError(w, validationDetails(err))
		return false
	}
	return true
}
