// Package parser decodes the line protocol printed by the Efergy decoder.
//
// A reading line has three comma separated fields and starts with a digit:
//
//	10/18/26,10:44:07,1234.567000
//
// The decoder also prints banners, checksum warnings and partial lines.
// Those are rejected with a non-fatal error so the caller can skip them.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// FieldCount is the number of fields in a reading line.
const FieldCount = 3

const (
	tagField       = 0
	timestampField = 1
	valueField     = 2
)

var (
	// ErrNoMatch is returned for lines that do not start with an ASCII digit.
	ErrNoMatch = errors.New("line does not start with a digit")

	// ErrFieldCount is returned for digit-led lines without exactly three fields.
	ErrFieldCount = errors.New("unexpected field count")
)

// DecodeError reports a line that is not valid UTF-8.
type DecodeError struct {
	Line []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid UTF-8 in decoder output (%d bytes)", len(e.Line))
}

// Record holds the fields of a line that passed the shape checks.
type Record struct {
	Fields []string
}

// Tag returns the first field.
func (r Record) Tag() string { return r.Fields[tagField] }

// Timestamp returns the second field.
func (r Record) Timestamp() string { return r.Fields[timestampField] }

// Value returns the raw numeric field, surrounding whitespace included.
func (r Record) Value() string { return r.Fields[valueField] }

// Parse classifies one line of decoder output. The trailing line terminator
// is ignored. It never panics; every rejection is reported as an error the
// caller is expected to skip.
func Parse(line []byte) (Record, error) {
	line = bytes.TrimRight(line, "\r\n")

	if !utf8.Valid(line) {
		return Record{}, &DecodeError{Line: line}
	}

	if len(line) == 0 || line[0] < '0' || line[0] > '9' {
		return Record{}, ErrNoMatch
	}

	fields := strings.Split(string(line), ",")
	if len(fields) != FieldCount {
		return Record{}, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), FieldCount)
	}

	return Record{Fields: fields}, nil
}
