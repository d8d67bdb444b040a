// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merrors defines the error kinds shared across the network core, so
// that callers can dispatch on error class with errors.Is/errors.As rather
// than string matching, building on fmt.Errorf("%w") and sentinel values
// instead of a third-party error-wrapping library.
package merrors

import "errors"

// Kind enumerates the network core's error classes.
type Kind uint8

const (
	_ Kind = iota
	KindCodecError
	KindProtocolViolation
	KindAuthFailure
	KindRateLimited
	KindResourceExhausted
	KindTimeout
	KindInvalidData
	KindStorageError
	KindBootstrapFailure
)

func (k Kind) String() string {
	switch k {
	case KindCodecError:
		return "codec error"
	case KindProtocolViolation:
		return "protocol violation"
	case KindAuthFailure:
		return "auth failure"
	case KindRateLimited:
		return "rate limited"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindTimeout:
		return "timeout"
	case KindInvalidData:
		return "invalid data"
	case KindStorageError:
		return "storage error"
	case KindBootstrapFailure:
		return "bootstrap failure"
	default:
		return "unknown error"
	}
}

// Sentinel errors, one per Kind, usable with errors.Is.
var (
	ErrCodec              = errors.New(KindCodecError.String())
	ErrProtocolViolation  = errors.New(KindProtocolViolation.String())
	ErrAuthFailure        = errors.New(KindAuthFailure.String())
	ErrRateLimited        = errors.New(KindRateLimited.String())
	ErrResourceExhausted  = errors.New(KindResourceExhausted.String())
	ErrTimeout            = errors.New(KindTimeout.String())
	ErrInvalidData        = errors.New(KindInvalidData.String())
	ErrStorageError       = errors.New(KindStorageError.String())
	ErrBootstrapFailure   = errors.New(KindBootstrapFailure.String())
)

var sentinels = map[Kind]error{
	KindCodecError:        ErrCodec,
	KindProtocolViolation: ErrProtocolViolation,
	KindAuthFailure:       ErrAuthFailure,
	KindRateLimited:       ErrRateLimited,
	KindResourceExhausted: ErrResourceExhausted,
	KindTimeout:           ErrTimeout,
	KindInvalidData:       ErrInvalidData,
	KindStorageError:      ErrStorageError,
	KindBootstrapFailure:  ErrBootstrapFailure,
}

// Error wraps a Kind with contextual detail while remaining errors.Is-
// compatible with its sentinel.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinels[e.Kind]
}

// New builds an *Error of the given kind with a formatted detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an *Error of the given kind that chains err.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Is reports whether kind describes err.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinels[kind])
}

// Bannable reports whether errors of this kind should increment or trigger
// a peer ban.
func (k Kind) Bannable() bool {
	switch k {
	case KindCodecError, KindProtocolViolation, KindInvalidData:
		return true
	default:
		return false
	}
}
