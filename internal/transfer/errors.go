package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound  = errors.New("transfer: workflow not found")
	ErrInvalidTransition = errors.New("transfer: operation not allowed in current state")
)

// Kind classifies a workflow error. Kinds are never conflated: an analysis
// timeout is reported as analysis, not as an unsafe verdict.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuth         Kind = "auth"
	KindProvisioning Kind = "provisioning"
	KindAnalysis     Kind = "analysis"
	KindSubmission   Kind = "submission"
)

// Error is the structured failure payload attached to a workflow and
// returned to callers. Retryable reports whether the same action may
// succeed if repeated without edits.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer: %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Retryable: true}
}

func authErr(msg string, err error) *Error {
	return &Error{Kind: KindAuth, Message: msg, Retryable: false, Err: err}
}

func provisioningErr(err error) *Error {
	return &Error{Kind: KindProvisioning, Message: err.Error(), Retryable: true, Err: err}
}

func analysisErr(err error) *Error {
	return &Error{Kind: KindAnalysis, Message: err.Error(), Retryable: true, Err: err}
}

func submissionErr(err error) *Error {
	return &Error{Kind: KindSubmission, Message: err.Error(), Retryable: !isFatal(err), Err: err}
}

// isFatal reports whether a submission error is a permanent rejection.
// Errors expose this through a Fatal method; anything else (transport
// failures, timeouts) is assumed transient.
func isFatal(err error) bool {
	var f interface{ Fatal() bool }
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}
