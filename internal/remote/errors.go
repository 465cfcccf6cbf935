package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a RemoteError
type Kind string

const (
	// KindTransport covers unreachable hosts, timeouts and aborted requests.
	KindTransport Kind = "transport"
	// KindRejected is any non-success status other than 401.
	KindRejected Kind = "rejected"
	// KindUnauthorized means the credential is missing, invalid or expired.
	KindUnauthorized Kind = "unauthorized"
)

// RemoteError is returned by every Client operation that fails
type RemoteError struct {
	Kind       Kind
	StatusCode int
	// Message is the server-provided message, or a status-derived one.
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) *RemoteError {
	return &RemoteError{Kind: KindTransport, Message: op + " failed", Err: err}
}

func statusError(status int, serverMessage string) *RemoteError {
	kind := KindRejected
	if status == http.StatusUnauthorized {
		kind = KindUnauthorized
	}
	msg := serverMessage
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", status)
	}
	return &RemoteError{Kind: kind, StatusCode: status, Message: msg}
}

func kindOf(err error) (Kind, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransport
}

// IsUnauthorized reports whether err means the credential was rejected.
func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

const maxDisplayMessage = 200

// UserMessage turns err into text fit for a notification. Server messages
// are shown verbatim when short; everything else gets a generic retry hint.
func UserMessage(err error) string {
	var re *RemoteError
	if !errors.As(err, &re) {
		return "Operation failed. Please try again."
	}
	switch re.Kind {
	case KindTransport:
		return "Network error. Check your connection and try again."
	case KindUnauthorized:
		return "Your session has expired. Please log in again."
	}
	if re.Message != "" && len(re.Message) <= maxDisplayMessage {
		return re.Message + ". Please try again."
	}
	return "Operation failed. Please try again."
}
