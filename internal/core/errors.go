package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers of the generation service.
type ErrorKind string

const (
	KindUnknown             ErrorKind = "unknown"
	KindInvalidArgument     ErrorKind = "invalid_argument"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamRejected    ErrorKind = "upstream_rejected"
	KindNoImagesProduced    ErrorKind = "no_images_produced"
	KindStorageUnavailable  ErrorKind = "storage_unavailable"
)

// Error is a classified failure. Status and Body are set for upstream rejections.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int
	Body    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kinded is implemented by errors that know their own kind without being *Error.
type Kinded interface {
	Kind() ErrorKind
}

func InvalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func NoImagesProduced(source string) *Error {
	return &Error{Kind: KindNoImagesProduced, Message: source + " returned no images"}
}

func UpstreamRejected(source string, status int, body string) *Error {
	return &Error{Kind: KindUpstreamRejected, Message: source + " rejected request", Status: status, Body: body}
}

func StorageUnavailable(message string, err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: message, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}

	return KindUnknown
}

// HTTPStatus returns the upstream status carried by err, or 0.
func HTTPStatus(err error) int {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Status
	}
	return 0
}
