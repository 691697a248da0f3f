// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package options configures change-stream subscriptions using the same
// functional-options builder shape used throughout this module.
package options

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// FullDocument controls how much of the post-update document a change event
// carries.
type FullDocument string

// Recognized FullDocument values.
const (
	Default       FullDocument = "default"
	UpdateLookup  FullDocument = "updateLookup"
	WhenAvailable FullDocument = "whenAvailable"
	Required      FullDocument = "required"
	Off           FullDocument = "off"
)

// ChangeStreamArgs collects the fields a Watch call can configure. At most
// one of ResumeAfter, StartAfter, StartAtOperationTime may be set: Watch
// rejects a combination with an InvalidArgumentError before any command is
// sent, and a resume never sends more than one of them.
type ChangeStreamArgs struct {
	BatchSize                *int32
	Comment                  interface{}
	FullDocument             *FullDocument
	FullDocumentBeforeChange *FullDocument
	MaxAwaitTime             *time.Duration
	ResumeAfter              bson.Raw
	StartAfter               bson.Raw
	StartAtOperationTime     *bson.Timestamp
	ShowExpandedEvents       *bool
	Custom                   bson.M
	CustomPipeline           bson.M
}

// ChangeStreamOptions accumulates setter closures applied, in order, to a
// fresh ChangeStreamArgs when a Watch call resolves its final configuration.
type ChangeStreamOptions struct {
	Opts []func(*ChangeStreamArgs) error
}

// ChangeStream returns a new, empty ChangeStreamOptions.
func ChangeStream() *ChangeStreamOptions {
	return &ChangeStreamOptions{}
}

// ArgsSetters returns the accumulated setter functions.
func (cso *ChangeStreamOptions) ArgsSetters() []func(*ChangeStreamArgs) error {
	return cso.Opts
}

// SetBatchSize sets the batch size requested on the initial aggregate. The
// stream's getMore commands carry no batchSize.
func (cso *ChangeStreamOptions) SetBatchSize(i int32) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.BatchSize = &i
		return nil
	})
	return cso
}

// SetComment attaches a comment to the stream's aggregate command. The
// stream's getMore commands carry no comment.
func (cso *ChangeStreamOptions) SetComment(comment interface{}) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.Comment = comment
		return nil
	})
	return cso
}

// SetFullDocument sets the FullDocument field.
func (cso *ChangeStreamOptions) SetFullDocument(fd FullDocument) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.FullDocument = &fd
		return nil
	})
	return cso
}

// SetFullDocumentBeforeChange sets the FullDocumentBeforeChange field.
func (cso *ChangeStreamOptions) SetFullDocumentBeforeChange(fdbc FullDocument) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.FullDocumentBeforeChange = &fdbc
		return nil
	})
	return cso
}

// SetMaxAwaitTime sets the maximum time the server should block a getMore
// waiting for new events.
func (cso *ChangeStreamOptions) SetMaxAwaitTime(d time.Duration) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.MaxAwaitTime = &d
		return nil
	})
	return cso
}

// SetResumeAfter sets the logical starting point to immediately after token.
func (cso *ChangeStreamOptions) SetResumeAfter(token bson.Raw) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.ResumeAfter = token
		return nil
	})
	return cso
}

// SetStartAfter is like SetResumeAfter but also accepts a token from an
// invalidate event, letting the stream survive a collection drop/rename.
func (cso *ChangeStreamOptions) SetStartAfter(token bson.Raw) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.StartAfter = token
		return nil
	})
	return cso
}

// SetStartAtOperationTime sets the logical starting point to a cluster time
// rather than a resume token.
func (cso *ChangeStreamOptions) SetStartAtOperationTime(t bson.Timestamp) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.StartAtOperationTime = &t
		return nil
	})
	return cso
}

// SetShowExpandedEvents opts into the server's expanded event set (DDL
// events beyond insert/update/delete/invalidate).
func (cso *ChangeStreamOptions) SetShowExpandedEvents(see bool) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.ShowExpandedEvents = &see
		return nil
	})
	return cso
}

// SetCustom adds raw key/value pairs to the aggregate command itself,
// bypassing client-side validation.
func (cso *ChangeStreamOptions) SetCustom(c bson.M) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.Custom = c
		return nil
	})
	return cso
}

// SetCustomPipeline adds raw key/value pairs to the $changeStream stage
// itself, bypassing client-side validation.
func (cso *ChangeStreamOptions) SetCustomPipeline(cp bson.M) *ChangeStreamOptions {
	cso.Opts = append(cso.Opts, func(args *ChangeStreamArgs) error {
		args.CustomPipeline = cp
		return nil
	})
	return cso
}

// MergeChangeStreamOptions flattens zero or more ChangeStreamOptions into a
// single ChangeStreamArgs, later options taking precedence field-by-field.
func MergeChangeStreamOptions(opts ...*ChangeStreamOptions) *ChangeStreamArgs {
	args := &ChangeStreamArgs{}
	for _, cso := range opts {
		if cso == nil {
			continue
		}
		for _, setter := range cso.Opts {
			_ = setter(args)
		}
	}
	return args
}
