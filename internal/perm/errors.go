// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package perm

import (
	"strings"
	"time"

	"github.com/samber/oops"
)

// Error codes shared by every stage of the reconcile pipeline.
const (
	CodeUnknownCapability        = "UNKNOWN_CAPABILITY"
	CodeUnknownValue             = "UNKNOWN_VALUE"
	CodeUnresolvedReference      = "UNRESOLVED_REFERENCE"
	CodeAmbiguousReference       = "AMBIGUOUS_REFERENCE"
	CodeUnsupportedConfigVersion = "UNSUPPORTED_CONFIG_VERSION"
	CodeInvalidConfig            = "INVALID_CONFIG"
	CodeNothingToRollback        = "NOTHING_TO_ROLLBACK"
	CodeRemoteWriteFailure       = "REMOTE_WRITE_FAILURE"
	CodeRateLimited              = "RATE_LIMITED"
	CodeInvalidPattern           = "INVALID_PATTERN"
	CodeAborted                  = "ABORTED"
	CodeInvalidSnapshot          = "INVALID_SNAPSHOT"
)

// ErrUnknownCapability is returned for a name outside the capability set.
func ErrUnknownCapability(name string) error {
	return oops.Code(CodeUnknownCapability).
		With("capability", name).
		Errorf("unknown capability %q", name)
}

// ErrUnresolvedReference reports every name of the given kind ("role",
// "channel", "member") that does not exist in the live roster.
func ErrUnresolvedReference(kind string, names ...string) error {
	return oops.Code(CodeUnresolvedReference).
		With("kind", kind).
		With("names", names).
		Errorf("unresolved %s reference(s): %s", kind, strings.Join(names, ", "))
}

// ErrAmbiguousReference reports a name that matches more than one object.
func ErrAmbiguousReference(kind, name string, ids []string) error {
	return oops.Code(CodeAmbiguousReference).
		With("kind", kind).
		With("name", name).
		With("ids", ids).
		Errorf("%s name %q is ambiguous: matches %d objects", kind, name, len(ids))
}

// ErrNothingToRollback is returned when the undo log is empty.
func ErrNothingToRollback() error {
	return oops.Code(CodeNothingToRollback).Errorf("nothing to roll back")
}

// ErrRemoteWrite wraps a failed overwrite write with its target.
func ErrRemoteWrite(channel string, p Principal, reason error) error {
	return oops.Code(CodeRemoteWriteFailure).
		With("channel", channel).
		With("principal", p.String()).
		Wrapf(reason, "write overwrite %s on channel %s", p, channel)
}

// ErrRateLimited signals that the remote asked us to wait before retrying.
func ErrRateLimited(retryAfter time.Duration, cause error) error {
	b := oops.Code(CodeRateLimited).With("retry_after", retryAfter)
	if cause != nil {
		return b.Wrapf(cause, "rate limited, retry after %s", retryAfter)
	}
	return b.Errorf("rate limited, retry after %s", retryAfter)
}

// ErrRateLimitExhausted reports a write that was still rate limited after
// the configured number of re-issues. It is a write failure, not a rate
// limit signal, so callers never wait on it.
func ErrRateLimitExhausted(channel string, p Principal, retries int, retryAfter time.Duration) error {
	return oops.Code(CodeRemoteWriteFailure).
		With("channel", channel).
		With("principal", p.String()).
		With("retries", retries).
		With("last_retry_after", retryAfter).
		Errorf("write overwrite %s on channel %s: still rate limited after %d retries", p, channel, retries)
}

// ErrAborted is returned when the operator declines a preview.
func ErrAborted() error {
	return oops.Code(CodeAborted).Errorf("operation cancelled, no changes applied")
}

// Code returns the oops code carried by err, or "" when there is none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := any(oopsErr.Code()).(string)
	return code
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}

// RetryAfter extracts the cooldown from a RATE_LIMITED error.
func RetryAfter(err error) (time.Duration, bool) {
	if !HasCode(err, CodeRateLimited) {
		return 0, false
	}
	oopsErr, _ := oops.AsOops(err)
	d, ok := oopsErr.Context()["retry_after"].(time.Duration)
	return d, ok
}
