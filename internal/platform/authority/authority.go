package authority

import (
	"errors"
	"fmt"
	"time"

	"github.com/mealmind/billing/pkg/retry"
	"github.com/mealmind/billing/pkg/types"
)

// Verification is the uniform outcome of asking an authority about a proof.
// A definitive "this proof is not valid" answer is a Verification with
// Valid=false, not an error; errors mean the authority could not answer.
type Verification struct {
	Valid         bool
	TransactionID string
	ExpiresAt     *time.Time
	Environment   types.Environment
	StatusCode    int
	Reason        string
}

// Error is an authority call failure carrying its retry classification.
type Error struct {
	Op     string
	Code   int
	Reason string
	Class  retry.Class
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Reason)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent builds a non-retryable authority error.
func Permanent(op string, code int, reason string) *Error {
	return &Error{Op: op, Code: code, Reason: reason, Class: retry.ClassPermanent}
}

// Transient builds a retryable authority error.
func Transient(op string, code int, reason string, err error) *Error {
	return &Error{Op: op, Code: code, Reason: reason, Class: retry.ClassTransient, Err: err}
}

// RateLimited builds an HTTP 429 style error.
func RateLimited(op string, reason string) *Error {
	return &Error{Op: op, Code: 429, Reason: reason, Class: retry.ClassRateLimited}
}

// Classify is the retry.Classifier for authority errors. Anything that is not
// an *Error (raw network failures and the like) counts as transient.
func Classify(err error) retry.Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return retry.ClassTransient
}

// IsPermanent reports whether err is a definitive, non-retryable failure.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == retry.ClassPermanent
}
