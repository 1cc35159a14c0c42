package governance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EvaluateConstraints evaluates all constraints of a tool config against the
// parsed call arguments, in declaration order. The first violating constraint
// decides: the returned message is its description when present, otherwise a
// synthesized violation detail. Constraints whose argument is absent are
// skipped.
func EvaluateConstraints(cfg ToolConfig, arguments map[string]any) (passed bool, message string) {
	for _, c := range cfg.Constraints {
		value, present := arguments[c.ParamName]
		if !present || value == nil {
			continue
		}

		ok, detail := checkConstraint(c, coerceString(value))
		if !ok {
			if c.Description != "" {
				return false, "Constraint violated: " + c.Description
			}
			return false, "Constraint violated: " + detail
		}
	}
	return true, "Constraints satisfied"
}

// checkConstraint applies one operator to the argument's text form.
// Unknown operators pass: the authority may introduce operators this build
// does not know, and rejecting them would deny every call using that tool.
func checkConstraint(c Constraint, arg string) (ok bool, detail string) {
	switch c.Operator {
	case OpIn:
		for _, v := range c.Values {
			if arg == v {
				return true, ""
			}
		}
		return false, fmt.Sprintf("'%s' value '%s' not in allowed list %v", c.ParamName, arg, c.Values)

	case OpNotIn:
		for _, v := range c.Values {
			if arg == v {
				return false, fmt.Sprintf("'%s' value '%s' is in blocked list", c.ParamName, arg)
			}
		}
		return true, ""

	case OpContains:
		for _, v := range c.Values {
			if strings.Contains(arg, v) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("'%s' must contain one of %v", c.ParamName, c.Values)

	case OpNotContains:
		var found []string
		for _, v := range c.Values {
			if strings.Contains(arg, v) {
				found = append(found, v)
			}
		}
		if len(found) > 0 {
			return false, fmt.Sprintf("'%s' must not contain %v", c.ParamName, found)
		}
		return true, ""

	case OpRegex:
		// Any-match semantics, unanchored search. An invalid pattern counts
		// as a non-match (fail-closed).
		for _, pattern := range c.Values {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			if re.MatchString(arg) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("'%s' does not match any allowed pattern", c.ParamName)

	case OpMaxLength:
		maxLen := 0
		if len(c.Values) > 0 {
			maxLen, _ = strconv.Atoi(c.Values[0])
		}
		// Length is counted in characters, not bytes, so multibyte
		// arguments are not over-counted.
		if n := utf8.RuneCountInString(arg); n > maxLen {
			return false, fmt.Sprintf("'%s' length %d exceeds max %d", c.ParamName, n, maxLen)
		}
		return true, ""
	}

	return true, ""
}

// coerceString renders an argument value as text for operator matching.
// Strings pass through; numbers keep their JSON representation when the
// arguments were decoded with UseNumber; composites fall back to their
// JSON encoding.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// ParseArguments parses the JSON text arguments of an evaluation request.
// Malformed or non-object input yields an empty map, which skips all
// per-argument checks.
func ParseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
