package meta

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("javaname", validateJavaName); err != nil {
		panic(fmt.Sprintf("meta: registering javaname validation: %v", err))
	}
}

// validateJavaName accepts dotted or slashed names whose segments are
// non-empty and free of descriptor punctuation.
func validateJavaName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, seg := range strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '.' }) {
		if strings.ContainsAny(seg, ";[<>") {
			return false
		}
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") &&
		!strings.HasPrefix(s, "/") && !strings.HasSuffix(s, "/") &&
		!strings.Contains(s, "..") && !strings.Contains(s, "//")
}

// Validate checks the shape of c: required names, known enumerations and
// unique field names. Consistency with the class file is checked by the
// enhancer.
func Validate(c *ClassMetadata) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid metadata for %s: %w", c.Name, err)
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if seen[f.Name] {
			return fmt.Errorf("invalid metadata for %s: field %s declared twice", c.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}
