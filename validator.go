package replhost

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskLevel is the Input Validator's severity scale (SPEC_FULL.md §4.4).
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskCritical:
		return "Critical"
	default:
		return "Low"
	}
}

// ValidationResult is validate's pure-function output.
type ValidationResult struct {
	OK       bool
	Risk     RiskLevel
	Reason   string
	Concerns []string
}

// ValidationPolicy is one of the three presets, or a caller-built custom
// policy (SPEC_FULL.md §4.4 "Policy presets").
type ValidationPolicy struct {
	Name                string
	Strict              bool // rejects compile( as well as exec/eval/etc.
	AllowFileOperations bool
	AllowNetworking     bool
	MaxCodeSize         int
	AllowList           []string
	BlockList           []string
}

// DevelopmentPolicy is Relaxed: file and network operations permitted.
func DevelopmentPolicy() ValidationPolicy {
	return ValidationPolicy{Name: "Development", Strict: false, AllowFileOperations: true, AllowNetworking: true, MaxCodeSize: DefaultMaxCodeSize}
}

// ProductionPolicy is Strict: neither file nor network operations permitted.
func ProductionPolicy() ValidationPolicy {
	return ValidationPolicy{Name: "Production", Strict: true, AllowFileOperations: false, AllowNetworking: false, MaxCodeSize: DefaultMaxCodeSize}
}

// MaximumPolicy rejects essentially all non-trivial code; used only for
// attestation tests, per SPEC_FULL.md §4.4.
func MaximumPolicy() ValidationPolicy {
	return ValidationPolicy{Name: "Maximum", Strict: true, AllowFileOperations: false, AllowNetworking: false, MaxCodeSize: 256}
}

// internalTrustedPolicy validates fragments the library itself synthesizes
// (e.g. the PutFile/GetFile file-transfer helpers) rather than user-supplied
// code. Such fragments legitimately call open( regardless of the session's
// configured policy, so this permits file operations unconditionally; it
// still runs through Validate rather than skipping it outright, to catch
// oversized payloads and control-byte corruption in the interpolated data.
func internalTrustedPolicy() ValidationPolicy {
	return ValidationPolicy{Name: "internal-trusted", Strict: false, AllowFileOperations: true, AllowNetworking: false, MaxCodeSize: DefaultMaxCodeSize * 2}
}

var dangerousSubstrings = []struct {
	text string
	risk RiskLevel
}{
	{"exec(", RiskHigh},
	{"eval(", RiskHigh},
	{"os.system", RiskCritical},
	{"subprocess", RiskCritical},
	{"__import__", RiskHigh},
}

const strictDangerousSubstring = "compile("

var fileOperationSubstrings = []string{"import os", "open(", "os.listdir", "os.remove", "os.rmdir", "os.unlink"}
var networkingSubstrings = []string{"import socket", "socket.", "network.", "import urequests", "import usocket"}

var controlCharAllowed = map[byte]bool{'\t': true, '\n': true, '\r': true}

// Validate screens a code fragment before it crosses the transport.
func Validate(code string, policy ValidationPolicy) ValidationResult {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return ValidationResult{OK: false, Risk: RiskCritical, Reason: "empty fragment"}
	}

	maxSize := policy.MaxCodeSize
	if maxSize <= 0 {
		maxSize = DefaultMaxCodeSize
	}
	if len(code) > maxSize {
		return ValidationResult{OK: false, Risk: RiskCritical, Reason: fmt.Sprintf("fragment exceeds max size %d", maxSize)}
	}

	for i := 0; i < len(code); i++ {
		b := code[i]
		if b < 0x20 && !controlCharAllowed[b] {
			return ValidationResult{OK: false, Risk: RiskCritical, Reason: fmt.Sprintf("control byte 0x%02x at offset %d", b, i)}
		}
	}

	if blocked, reason := blockListed(code, policy.BlockList); blocked {
		return ValidationResult{OK: false, Risk: RiskCritical, Reason: reason}
	}
	if allowListed(code, policy.AllowList) {
		return ValidationResult{OK: true, Risk: RiskLow}
	}

	var concerns []string

	for _, d := range dangerousSubstrings {
		if strings.Contains(code, d.text) {
			return ValidationResult{OK: false, Risk: d.risk, Reason: fmt.Sprintf("dangerous construct %q", d.text)}
		}
	}
	if policy.Strict && strings.Contains(code, strictDangerousSubstring) {
		return ValidationResult{OK: false, Risk: RiskHigh, Reason: "dangerous construct \"compile(\""}
	}

	if !policy.AllowFileOperations {
		for _, s := range fileOperationSubstrings {
			if strings.Contains(code, s) {
				return ValidationResult{OK: false, Risk: RiskHigh, Reason: fmt.Sprintf("file operation %q not permitted", s)}
			}
		}
	}
	if !policy.AllowNetworking {
		for _, s := range networkingSubstrings {
			if strings.Contains(code, s) {
				return ValidationResult{OK: false, Risk: RiskHigh, Reason: fmt.Sprintf("networking operation %q not permitted", s)}
			}
		}
	}

	depth := maxBracketDepth(code)
	risk := RiskLow
	if depth >= 25 {
		risk = RiskMedium
		concerns = append(concerns, fmt.Sprintf("bracket nesting depth %d", depth))
	}

	return ValidationResult{OK: true, Risk: risk, Concerns: concerns}
}

func allowListed(code string, allow []string) bool {
	for _, a := range allow {
		if a != "" && strings.Contains(code, a) {
			return true
		}
	}
	return false
}

func blockListed(code string, block []string) (bool, string) {
	for _, b := range block {
		if b != "" && strings.Contains(code, b) {
			return true, fmt.Sprintf("caller block-list match %q", b)
		}
	}
	return false, ""
}

func maxBracketDepth(code string) int {
	depth, max := 0, 0
	for _, c := range code {
		switch c {
		case '(', '[', '{':
			depth++
			if depth > max {
				max = depth
			}
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pythonReservedWords is the set of keywords isValidParameterName must reject.
var pythonReservedWords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// IsValidParameterName reports whether s is a legal, non-reserved Python identifier.
func IsValidParameterName(s string) bool {
	return isValidParameterName(s)
}

func isValidParameterName(s string) bool {
	return identifierPattern.MatchString(s) && !pythonReservedWords[s]
}

var sanitizeReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\r", `\r`,
	"\n", `\n`,
	"\t", `\t`,
)

// SanitizePythonString escapes \ ' " \r \n \t and strips remaining control
// bytes below 0x20, producing a string safe to embed in a Python string
// literal (SPEC_FULL.md §4.4, §8 idempotence law).
func SanitizePythonString(s string) string {
	escaped := sanitizeReplacer.Replace(s)
	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
