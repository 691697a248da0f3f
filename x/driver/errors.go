// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"net"
)

// These mirror the server error codes the legacy (pre error-labels) wire
// protocol used to signal resumable conditions. Kept as documented magic
// numbers rather than an enum because they are a fixed part of the MongoDB
// wire protocol, not a value this driver chooses.
const (
	codeHostUnreachable            int32 = 6
	codeHostNotFound                int32 = 7
	codeNetworkTimeout              int32 = 89
	codeShutdownInProgress          int32 = 91
	codePrimarySteppedDown          int32 = 189
	codeExceededTimeLimit           int32 = 262
	codeSocketException             int32 = 9001
	codeNotWritablePrimary          int32 = 10107
	codeInterruptedAtShutdown       int32 = 11600
	codeInterrupted                 int32 = 11601
	codeNotPrimaryNoSecondaryOK     int32 = 13435
	codeNotPrimaryOrSecondary       int32 = 13436
	codeStaleShardVersion           int32 = 63
	codeStaleEpoch                  int32 = 150
	codeStaleConfig                 int32 = 13388
	codeRetryChangeStream           int32 = 234
	codeCursorNotFound               int32 = 43
	codeLegacyNotPrimary             int32 = 10058
)

// resumableLegacyCodes is consulted only for servers whose wire version is
// too old to set the "ResumableChangeStreamError" label (see IsResumable).
var resumableLegacyCodes = map[int32]bool{
	codeHostUnreachable:        true,
	codeHostNotFound:           true,
	codeNetworkTimeout:         true,
	codeShutdownInProgress:     true,
	codePrimarySteppedDown:     true,
	codeExceededTimeLimit:      true,
	codeSocketException:        true,
	codeNotWritablePrimary:     true,
	codeInterruptedAtShutdown:  true,
	codeInterrupted:            true,
	codeNotPrimaryNoSecondaryOK: true,
	codeNotPrimaryOrSecondary:  true,
	codeStaleShardVersion:      true,
	codeStaleEpoch:             true,
	codeStaleConfig:            true,
	codeRetryChangeStream:      true,
	codeCursorNotFound:         true,
	codeLegacyNotPrimary:       true,
}

// firstResumableWireVersion is the minimum wire version at which a server is
// expected to set error labels (including "ResumableChangeStreamError")
// instead of relying on the caller to know specific error codes.
const firstResumableWireVersion int32 = 9

// LabelResumableChangeStream and LabelNonResumableChangeStream are the error
// labels a modern server attaches to a command reply to tell the driver
// whether a change-stream error may be resumed.
const (
	LabelResumableChangeStream    = "ResumableChangeStreamError"
	LabelNonResumableChangeStream = "NonResumableChangeStreamError"
)

// Error is a server-reported command failure, carrying the code and labels
// the classifier and consumer need without forcing either to parse a raw
// BSON reply.
type Error struct {
	Code    int32
	Message string
	Labels  []string
}

func (e *Error) Error() string { return e.Message }

// HasLabel reports whether the server tagged this error with label.
func (e *Error) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ErrRuntime signals an internal invariant violation (an unexpected or
// malformed response the driver itself cannot make sense of), as opposed to
// a server-reported failure.
var ErrRuntime = errors.New("runtime error: unexpected driver state")

// ErrCursorExhausted names the exhausted-cursor condition (cursor id zero,
// local buffer drained). Cursor.Next/TryNext do not return it: at exhaustion
// they report false and Err stays nil.
var ErrCursorExhausted = errors.New("cursor exhausted")

// ErrCursorInUse is returned by a mutator (SetBatchSize, SetReadPreference,
// Map, ...) called after the cursor has issued its first operation.
var ErrCursorInUse = errors.New("cursor is already in use; mutators must run before the first iteration")

// ErrTailableMisuse is returned when a mutation forbidden on tailable
// cursors (limit, skip, sort, batch size) is attempted.
var ErrTailableMisuse = errors.New("operation not supported on a tailable cursor")

// IsResumable implements the Error Classifier (C6): it decides whether e
// should trigger the change-stream resume loop rather than surface to the
// consumer. wireVersion is the wire version of the server the failing
// operation ran against.
func IsResumable(err error, wireVersion int32) bool {
	if err == nil {
		return false
	}

	var srvErr *Error
	if errors.As(err, &srvErr) {
		if srvErr.HasLabel(LabelNonResumableChangeStream) {
			return false
		}
		if srvErr.HasLabel(LabelResumableChangeStream) {
			return true
		}
		if wireVersion >= firstResumableWireVersion {
			// Modern server that simply didn't label this reply: trust its
			// silence and treat it as non-resumable rather than guessing
			// from a code table that may no longer be authoritative.
			return false
		}
		return resumableLegacyCodes[srvErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Any other unclassified error (context cancellation, local "server is
	// closed", decode failures) is not resumable.
	return false
}
