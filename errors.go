// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for setup mistakes: reserved codebook
	// codes, unsupported method shapes, transports lacking a capability.
	ErrConfiguration = errors.New("fabric: configuration error")

	ErrUnknownType      = errors.New("fabric: unknown type code")
	ErrUnregisteredType = errors.New("fabric: type not registered")
	ErrShortBuffer      = errors.New("fabric: short buffer")
	ErrCorrupt          = errors.New("fabric: corrupt envelope")
	ErrSchemaMismatch   = errors.New("fabric: schema fingerprint mismatch")
	ErrTopicMismatch    = errors.New("fabric: topic mismatch")
	ErrUnknownMethod    = errors.New("fabric: unknown method")
	ErrArgument         = errors.New("fabric: bad argument")
	ErrClosed           = errors.New("fabric: closed")

	// Transports wrap these so callers can tell I/O failures from timeouts.
	ErrTransport              = errors.New("fabric: transport error")
	ErrTimeout                = errors.New("fabric: timeout")
	ErrSendAndWaitUnsupported = errors.New("fabric: transport does not support send-and-wait")
)

// UnknownTypeError reports a type code with no registered translator. It
// means the peers run different codebooks; the message cannot be recovered.
type UnknownTypeError struct {
	Code int32
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("fabric: unknown type code %d", e.Code)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// RemoteError carries an error returned by a synchronous method's
// implementation on the subscriber side.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("fabric: remote %s: %s", e.Method, e.Message)
}

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
