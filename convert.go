package replhost

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ConversionError wraps the underlying parse failure with the original text
// and the target type name, per SPEC_FULL.md §4.7.
type ConversionError struct {
	Text   string
	Target string
	Cause  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("replhost: cannot convert %q to %s: %v", e.Text, e.Target, e.Cause)
}

func (e *ConversionError) Unwrap() error { return ErrConversionFailed }

// ConvertString returns the trimmed text unchanged; empty text yields "".
func ConvertString(text string) (string, error) {
	return strings.TrimSpace(text), nil
}

// ConvertInt parses text as a canonical integer.
func ConvertInt(text string) (int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, &ConversionError{Text: text, Target: "int", Cause: err}
	}
	return v, nil
}

// ConvertFloat parses text as a canonical float.
func ConvertFloat(text string) (float64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, &ConversionError{Text: text, Target: "float", Cause: err}
	}
	return v, nil
}

// ConvertBool parses text as a canonical boolean, accepting Python's
// True/False alongside Go's true/false.
func ConvertBool(text string) (bool, error) {
	trimmed := strings.TrimSpace(text)
	switch trimmed {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "":
		return false, nil
	default:
		return false, &ConversionError{Text: text, Target: "bool", Cause: fmt.Errorf("not a recognized boolean literal")}
	}
}

// ConvertJSON deserializes text into a structured value of type T, used
// when the trimmed text begins with '{' or '['.
func ConvertJSON[T any](text string) (T, error) {
	var out T
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return out, &ConversionError{Text: text, Target: fmt.Sprintf("%T", out), Cause: err}
	}
	return out, nil
}

// looksStructured reports whether trimmed text should be parsed as JSON
// rather than as a primitive.
func looksStructured(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// Convert dispatches text to the appropriate primitive converter, or to
// ConvertJSON when the text looks like a JSON object/array and T is a
// structured type (callers needing a structured record should call
// ConvertJSON[T] directly; Convert exists for the common primitive path
// exercised by ExecuteTyped).
func Convert[T any](text string) (T, error) {
	var zero T
	switch any(zero).(type) {
	case string:
		s, err := ConvertString(text)
		return any(s).(T), err
	case int64:
		v, err := ConvertInt(text)
		return any(v).(T), err
	case int:
		v, err := ConvertInt(text)
		return any(int(v)).(T), err
	case float64:
		v, err := ConvertFloat(text)
		return any(v).(T), err
	case bool:
		v, err := ConvertBool(text)
		return any(v).(T), err
	default:
		if looksStructured(text) {
			return ConvertJSON[T](text)
		}
		return zero, &ConversionError{Text: text, Target: fmt.Sprintf("%T", zero), Cause: fmt.Errorf("not a recognized primitive or JSON value")}
	}
}
