package admission

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"renderq/ffmpeg"
	"renderq/job"
)

func newValidator(inputRoot string) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("media", mediaValidator(inputRoot))
	_ = v.RegisterValidation("ffargs", validateFFArgs)
	return v
}

// mediaValidator accepts http(s) URLs and clean absolute paths under
// inputRoot. With no root, local paths are refused.
func mediaValidator(inputRoot string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			u, err := url.Parse(s)
			return err == nil && u.Host != ""
		}
		return filepath.Clean(s) == s && ffmpeg.WithinRoot(inputRoot, s)
	}
}

func validateFFArgs(fl validator.FieldLevel) bool {
	_, err := ffmpeg.ParseExtraArgs(fl.Field().String())
	return err == nil
}

// toValidationError flattens validator output into field errors named by
// their JSON path.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &job.ValidationError{}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out.Fields = append(out.Fields, job.FieldError{
			Field:   field,
			Rule:    fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "media":
		return fmt.Sprintf("%s must be an http(s) URL or a path under the input root", fe.Field())
	case "ffargs":
		return fmt.Sprintf("%s contains disallowed encoder arguments", fe.Field())
	case "hexcolor":
		return fmt.Sprintf("%s must be a hex color", fe.Field())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
