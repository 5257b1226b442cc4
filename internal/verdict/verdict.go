// Package verdict holds the host result codes shared by the probe, the
// verification cache and the decision engine.
package verdict

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is a host framework result code. The numeric values are the ones the
// MTA hook protocol uses, and they are what the cache stores in the "code"
// field, so records written by earlier deployments stay readable.
type Code int

const (
	Cont     Code = 900 // no opinion, let the host continue
	Deny     Code = 902 // permanent rejection
	DenySoft Code = 903 // temporary rejection
	OK       Code = 906 // accept
)

// String returns the host name of the code.
func (c Code) String() string {
	switch c {
	case Cont:
		return "CONT"
	case Deny:
		return "DENY"
	case DenySoft:
		return "DENYSOFT"
	case OK:
		return "OK"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
	}
}

// Accepted reports whether c is the accept code.
func (c Code) Accepted() bool {
	return c == OK
}

// Valid reports whether c is one of the known host codes.
func (c Code) Valid() bool {
	switch c {
	case Cont, Deny, DenySoft, OK:
		return true
	}
	return false
}

// ParseCode parses the decimal representation stored in cache records.
func ParseCode(s string) (Code, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse result code %q: %w", s, err)
	}
	c := Code(n)
	if !c.Valid() {
		return 0, fmt.Errorf("parse result code %q: unknown code", s)
	}
	return c, nil
}

// Outcome is the result of one probe conversation.
type Outcome struct {
	Code    Code
	Message string
}
