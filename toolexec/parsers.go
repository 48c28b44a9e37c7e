package toolexec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Trimmed returns stdout with surrounding whitespace removed. It never fails.
func Trimmed(stdout []byte) (string, error) {
	return strings.TrimSpace(string(stdout)), nil
}

// NonEmpty returns trimmed stdout and rejects empty output.
func NonEmpty(stdout []byte) (string, error) {
	s := strings.TrimSpace(string(stdout))
	if s == "" {
		return "", errors.New("empty output")
	}
	return s, nil
}

// Discard accepts any output.
func Discard(stdout []byte) (struct{}, error) {
	return struct{}{}, nil
}

// LastLine returns the last non-empty line of stdout.
func LastLine(stdout []byte) (string, error) {
	lines := nonEmptyLines(stdout)
	if len(lines) == 0 {
		return "", errors.New("empty output")
	}
	return lines[len(lines)-1], nil
}

// hexTokenPattern matches 0x-prefixed tokens of exactly n hex digits.
func hexTokenPattern(n int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^0x[0-9a-fA-F]{%d}$`, n))
}

// HexLines collects, in order, every line whose first field is a 0x-prefixed token of
// digits hex digits. It fails when no such line exists.
func HexLines(digits int) Parser[[]string] {
	re := hexTokenPattern(digits)
	return func(stdout []byte) ([]string, error) {
		var out []string
		for _, line := range nonEmptyLines(stdout) {
			fields := strings.Fields(line)
			if len(fields) > 0 && re.MatchString(fields[0]) {
				out = append(out, fields[0])
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("no %d-digit hex value found", digits)
		}
		return out, nil
	}
}

// FirstHexToken returns the first whitespace separated 0x token of digits hex digits
// anywhere in stdout.
func FirstHexToken(digits int) Parser[string] {
	re := hexTokenPattern(digits)
	return func(stdout []byte) (string, error) {
		for _, line := range nonEmptyLines(stdout) {
			for _, field := range strings.Fields(line) {
				if re.MatchString(field) {
					return field, nil
				}
			}
		}
		return "", fmt.Errorf("no %d-digit hex value found", digits)
	}
}

// JSON decodes stdout as a single JSON value of type T.
func JSON[T any]() Parser[T] {
	return func(stdout []byte) (T, error) {
		var v T
		if err := json.Unmarshal(bytes.TrimSpace(stdout), &v); err != nil {
			return v, fmt.Errorf("decode json: %w", err)
		}
		return v, nil
	}
}

func nonEmptyLines(stdout []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}
