// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package streamdriver

import (
	"errors"
	"fmt"
)

// ErrChangeStreamClosed is returned by every operation attempted on a
// change stream that has already closed (§7, ClosedError). Terminal; never
// retried.
var ErrChangeStreamClosed = errors.New("change stream is closed")

// ErrMissingResumeToken is returned when a notification arrives without an
// "_id" field (§7, NoResumeTokenError). Fatal: the engine closes.
var ErrMissingResumeToken = errors.New("change stream notification is missing a resume token")

// ErrModeConflict is returned when an iterator operation is attempted on an
// emitter-mode stream, or vice versa (§7, ModeConflictError; §8 property 4).
var ErrModeConflict = errors.New("change stream is already committed to the other consumption mode")

// ErrTopologySelectionTimeout is returned when a resume attempt's topology
// wait loop (§4.5, "resume loop") exceeds its selection timeout without the
// deployment reporting itself connected again.
var ErrTopologySelectionTimeout = errors.New("timed out waiting for topology to reconnect")

// CompatibilityError reports that the connected server's wire version is
// too low for a requested feature (§7, CompatibilityError).
type CompatibilityError struct {
	Feature           string
	MinWireVersion    int32
	ServerWireVersion int32
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("%s requires wire version >= %d, server reports %d",
		e.Feature, e.MinWireVersion, e.ServerWireVersion)
}

// InvalidArgumentError reports a caller-supplied option rejected
// synchronously at the API boundary, before any command is sent (§7,
// InvalidArgumentError).
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Reason }
