package replhost

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// ParsedResponse is the Response Parser's output: the framed payload split
// into output and error regions (SPEC_FULL.md §4.3).
type ParsedResponse struct {
	Output string
	Stderr string
}

// ParseFramed strips a leading "OK" if present and splits the remaining
// bytes at the first EOT into output_region / error_region, trimming
// CR/LF whitespace from both. body is expected without the trailing framing
// terminator (see Engine.Execute's return value); a final EOT left in place
// is dropped from the error region (see splitFramedPayload).
func ParseFramed(body []byte) ParsedResponse {
	body = bytes.TrimPrefix(body, []byte("OK"))
	output, errRegion := splitFramedPayload(body)
	return ParsedResponse{
		Output: strings.Trim(string(output), "\r\n"),
		Stderr: strings.Trim(string(errRegion), "\r\n"),
	}
}

// statementKeywords is the set of leading tokens that mark a fragment as a
// statement (not a bare expression) for the purposes of print-wrapping.
var statementKeywords = map[string]bool{
	"def": true, "class": true, "if": true, "for": true, "while": true,
	"try": true, "with": true, "import": true, "from": true, "return": true,
	"raise": true, "print": true, "pass": true, "global": true,
	"nonlocal": true, "del": true, "assert": true, "yield": true,
	"async": true, "await": true,
}

// WrapBareExpression implements SPEC_FULL.md §4.3's "Bare-expression
// wrapping" heuristic: a fragment with no newline that does not start with
// a statement keyword and is not a plain assignment `x = ...` is wrapped as
// print(<fragment>) so its value round-trips through the device's stdout.
// Operators play no separate part; a comparison such as `x == 7` is simply
// not taken for an assignment. Multi-statement fragments pass through
// unchanged.
func WrapBareExpression(code string) string {
	if strings.Contains(code, "\n") {
		return code
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return code
	}

	first := firstToken(trimmed)
	if statementKeywords[first] {
		return code
	}
	if isPlainAssignment(trimmed) {
		return code
	}

	return fmt.Sprintf("print(%s)", code)
}

func firstToken(s string) string {
	i := strings.IndexAny(s, " \t(")
	if i < 0 {
		return s
	}
	return s[:i]
}

// isPlainAssignment recognizes "x = ..." (a single leading identifier
// followed by a bare "=", not "==") so it is not mistaken for a comparison
// expression and wrapped.
func isPlainAssignment(s string) bool {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 || eq == len(s)-1 {
		return false
	}
	if s[eq+1] == '=' || (eq > 0 && (s[eq-1] == '=' || s[eq-1] == '!' || s[eq-1] == '<' || s[eq-1] == '>')) {
		return false
	}
	name := strings.TrimSpace(s[:eq])
	return isValidParameterName(name)
}

// classifierRule is one priority-ordered (kind, substrings) entry in the
// error taxonomy table (SPEC_FULL.md §4.3).
type classifierRule struct {
	kind           ErrorKind
	substrings     []string
	caseInsensitive bool
}

var classifierRules = []classifierRule{
	{ErrorSyntax, []string{"SyntaxError", "IndentationError", "TabError"}, false},
	{ErrorMemory, []string{"MemoryError", "out of memory", "Cannot allocate"}, false},
	{ErrorFileSystem, []string{"FileNotFoundError", "PermissionError", "ENOENT", "EACCES", "ENOSPC"}, false},
	{ErrorImport, []string{"ImportError", "ModuleNotFoundError"}, false},
	{ErrorInterrupted, []string{"KeyboardInterrupt", "SystemExit", "Operation cancelled"}, false},
	{ErrorTimeout, []string{"timeout", "timed out", "TIMEOUT"}, true},
	{ErrorRuntime, []string{
		"NameError", "TypeError", "ValueError", "AttributeError", "KeyError",
		"IndexError", "ZeroDivisionError", "RuntimeError", "OSError",
	}, false},
}

var lineNumberPattern = regexp.MustCompile(`line (\d+)`)

// ClassifiedError is the Error Classifier's output for a failed execution.
type ClassifiedError struct {
	Kind       ErrorKind
	LineNumber int // -1 if not found
}

// Classify applies the priority-ordered substring rules to the error
// region only. Output-region text is never passed to it, so plain output
// that contains the literal word "Traceback" is not classified as an error;
// a traceback printed to the output region is not classified either, even
// when an exception line follows it.
func Classify(errRegion string) ClassifiedError {
	result := ClassifiedError{Kind: ErrorNone, LineNumber: -1}
	if errRegion == "" {
		return result
	}

	for _, rule := range classifierRules {
		haystack := errRegion
		if rule.caseInsensitive {
			haystack = strings.ToLower(errRegion)
		}
		for _, sub := range rule.substrings {
			needle := sub
			if rule.caseInsensitive {
				needle = strings.ToLower(sub)
			}
			if strings.Contains(haystack, needle) {
				result.Kind = rule.kind
				result.LineNumber = extractLineNumber(errRegion)
				return result
			}
		}
	}

	if strings.Contains(errRegion, "Traceback") || strings.Contains(errRegion, "Error") {
		result.Kind = ErrorUnknown
		result.LineNumber = extractLineNumber(errRegion)
	}
	return result
}

func extractLineNumber(errRegion string) int {
	m := lineNumberPattern.FindStringSubmatch(errRegion)
	if m == nil {
		return -1
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n
}

// IsFalsePositiveTraceback reports whether output (not error region)
// contains the word "Traceback" anywhere — e.g. print('Traceback'). It does
// not look at what follows the word.
func IsFalsePositiveTraceback(output string) bool {
	return strings.Contains(output, "Traceback")
}
