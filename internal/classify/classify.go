// Package classify decides whether a failed search call should abort a run.
package classify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode"
)

// Severity is the outcome class of a failed call.
type Severity int

// Severity values.
const (
	Transient Severity = iota
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	if s == Fatal {
		return "FATAL"
	}
	return "TRANSIENT"
}

// ErrInvalidCredential marks a rejected or expired capability token.
var ErrInvalidCredential = errors.New("invalid token")

// Fataler is implemented by errors that know they should stop a run.
type Fataler interface {
	Fatal() bool
}

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	StatusCode() int
}

var fatalPhrases = []string{"invalid token"}

// Classify maps err to a Severity. A nil error is Transient.
//
// Typed signals win: an upstream status other than 401/403 is Transient
// whatever its text says. Untyped errors are judged by the innermost cause
// only, looking for fatal phrases or a standalone 401/403 token.
func Classify(err error) Severity {
	if err == nil {
		return Transient
	}
	if errors.Is(err, ErrInvalidCredential) {
		return Fatal
	}
	var f Fataler
	if errors.As(err, &f) && f.Fatal() {
		return Fatal
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Fatal
		default:
			return Transient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if messageIsFatal(rootCause(err).Error()) {
		return Fatal
	}
	return Transient
}

// rootCause follows single-error Unwrap chains to the innermost error.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func messageIsFatal(msg string) bool {
	msg = strings.ToLower(msg)
	for _, phrase := range fatalPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	tokens := strings.FieldsFunc(msg, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if tok == "401" || tok == "403" {
			return true
		}
	}
	return false
}

// IsFatal is shorthand for Classify(err) == Fatal.
func IsFatal(err error) bool {
	return Classify(err) == Fatal
}

// Reason renders err as a short message suitable for outcomes and the UI.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredential):
		return "invalid or expired API token: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests {
		return "rate limited by upstream: " + err.Error()
	}
	return err.Error()
}
