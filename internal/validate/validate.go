// Package validate checks struct tags on user-supplied input such as
// inventory files and API request bodies.
package validate

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rileyhilliard/fleet/internal/errors"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		// Report yaml/json field names rather than Go ones.
		instance.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"yaml", "json"} {
				name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
				if name != "" && name != "-" {
					return name
				}
			}
			return f.Name
		})
	})
	return instance
}

// Struct validates v and returns a CONFIG error listing every failed field.
// what names the input in the message, e.g. "Inventory entry 'web-1'".
func Struct(what string, v interface{}) error {
	err := get().Struct(v)
	if err == nil {
		return nil
	}

	var fields validator.ValidationErrors
	if !stderrors.As(err, &fields) {
		return errors.WrapWithCode(err, errors.ErrConfig, what+" is invalid", "")
	}

	problems := make([]string, 0, len(fields))
	for _, fe := range fields {
		problems = append(problems, describe(fe))
	}
	return errors.New(errors.ErrConfig, what+" is invalid: "+strings.Join(problems, "; "), "")
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param())
	case "hostname_rfc1123|ip":
		return fmt.Sprintf("%s %q is not a hostname or IP address", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
