package replhost

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	SchemeSerial     = "serial"
	SchemeSubprocess = "subprocess"
)

// Endpoint is the parsed form of a connection string: <scheme>:<parameter>
// (SPEC_FULL.md §6). For "serial" Parameter is an OS-specific port
// identifier; for "subprocess" it is an executable path, resolved against
// PATH below if not already absolute.
type Endpoint struct {
	Scheme    string
	Parameter string
}

// ParseConnectionString parses the "<scheme>:<parameter>" grammar. A
// malformed string (no colon, or an empty scheme/parameter) raises
// ErrInvalidConnectionString; a scheme with no registered factory is caught
// later by openTransport as ErrUnsupportedScheme, not here, so that
// ParseConnectionString stays a pure function of its input.
func ParseConnectionString(s string) (*Endpoint, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConnectionString, s)
	}
	scheme := s[:idx]
	param := s[idx+1:]
	if scheme == "" || param == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConnectionString, s)
	}
	return &Endpoint{Scheme: scheme, Parameter: param}, nil
}

// resolveExecutable resolves a subprocess parameter against PATH when it is
// not already an absolute (or relative-with-separator) path.
func resolveExecutable(param string) (string, error) {
	if filepath.IsAbs(param) || strings.ContainsRune(param, '/') || strings.ContainsRune(param, '\\') {
		return param, nil
	}
	resolved, err := exec.LookPath(param)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConnectionString, err)
	}
	return resolved, nil
}
