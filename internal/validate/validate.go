// Package validate provides schema-driven field validation and heuristic
// injection detectors. The detectors are fixed-pattern screens meant as
// defense in depth, not a substitute for parameterized queries or output
// encoding.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldType constrains a field's value kind.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "boolean"
	TypeEmail  FieldType = "email"
	TypeURL    FieldType = "url"
)

// FieldRule describes the constraints on one field.
type FieldRule struct {
	Required  bool
	Type      FieldType
	MinLength int
	MaxLength int
	Min       *float64
	Max       *float64
	Pattern   *regexp.Regexp
	Enum      []string
	Custom    func(value any) error
}

// Schema maps field names to their rules.
type Schema map[string]FieldRule

// FieldError is a single validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result aggregates the outcome of validating a value set.
type Result struct {
	Valid  bool
	Errors []FieldError
}

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	urlRe   = regexp.MustCompile(`^https?://[^\s]+$`)
)

// Validate checks data against schema and collects every failure rather
// than stopping at the first.
func Validate(data map[string]any, schema Schema) Result {
	res := Result{Valid: true}
	fail := func(field, msg string) {
		res.Valid = false
		res.Errors = append(res.Errors, FieldError{Field: field, Message: msg})
	}

	for field, rule := range schema {
		value, present := data[field]
		if !present || value == nil || value == "" {
			if rule.Required {
				fail(field, "is required")
			}
			continue
		}

		switch rule.Type {
		case TypeString, TypeEmail, TypeURL, "":
			s, ok := value.(string)
			if !ok {
				fail(field, "must be a string")
				continue
			}
			if rule.Type == TypeEmail && !emailRe.MatchString(s) {
				fail(field, "must be a valid email address")
			}
			if rule.Type == TypeURL && !urlRe.MatchString(s) {
				fail(field, "must be a valid URL")
			}
			if rule.MinLength > 0 && len(s) < rule.MinLength {
				fail(field, fmt.Sprintf("must be at least %d characters", rule.MinLength))
			}
			if rule.MaxLength > 0 && len(s) > rule.MaxLength {
				fail(field, fmt.Sprintf("must be at most %d characters", rule.MaxLength))
			}
			if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
				fail(field, "has an invalid format")
			}
			if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
				fail(field, fmt.Sprintf("must be one of %s", strings.Join(rule.Enum, ", ")))
			}
		case TypeNumber:
			n, ok := toFloat(value)
			if !ok {
				fail(field, "must be a number")
				continue
			}
			if rule.Min != nil && n < *rule.Min {
				fail(field, fmt.Sprintf("must be >= %v", *rule.Min))
			}
			if rule.Max != nil && n > *rule.Max {
				fail(field, fmt.Sprintf("must be <= %v", *rule.Max))
			}
		case TypeBool:
			if _, ok := value.(bool); !ok {
				fail(field, "must be a boolean")
			}
		}

		if rule.Custom != nil {
			if err := rule.Custom(value); err != nil {
				fail(field, err.Error())
			}
		}
	}
	return res
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Heuristic injection screens. Each matches indicative substrings of the
// respective attack class; a hit means "treat with suspicion", not proof.
var (
	sqlInjectionRe = regexp.MustCompile(`(?i)('\s*(or|and)\s+[^=]*=|union\s+select|insert\s+into|drop\s+table|delete\s+from|--\s|;\s*(select|update|drop)|\bexec(ute)?\s*\()`)

	xssRe = regexp.MustCompile(`(?i)(<script[\s>]|javascript:|on(error|load|click|mouseover)\s*=|<iframe[\s>]|document\.(cookie|write)|eval\s*\()`)

	pathTraversalRe = regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)

	commandInjectionRe = regexp.MustCompile(`(?i)([;&|]\s*(rm|cat|curl|wget|nc|sh|bash|powershell|cmd)\b|\$\([^)]*\)|` + "`[^`]*`" + `)`)
)

// ContainsSQLInjection reports SQL-injection-indicative substrings.
func ContainsSQLInjection(s string) bool { return sqlInjectionRe.MatchString(s) }

// ContainsXSS reports cross-site-scripting-indicative substrings.
func ContainsXSS(s string) bool { return xssRe.MatchString(s) }

// ContainsPathTraversal reports directory-traversal-indicative substrings.
func ContainsPathTraversal(s string) bool { return pathTraversalRe.MatchString(s) }

// ContainsCommandInjection reports shell-injection-indicative substrings.
func ContainsCommandInjection(s string) bool { return commandInjectionRe.MatchString(s) }

// SuspiciousInput runs all four detectors and names the first class hit.
func SuspiciousInput(s string) (bool, string) {
	switch {
	case ContainsSQLInjection(s):
		return true, "sql-injection"
	case ContainsXSS(s):
		return true, "xss"
	case ContainsPathTraversal(s):
		return true, "path-traversal"
	case ContainsCommandInjection(s):
		return true, "command-injection"
	}
	return false, ""
}
