// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package streamdriver implements the change-stream cursor (C4) and engine
// (C5) on top of the generic cursor engine in x/driver.
package streamdriver

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/csot"
	"github.com/mongostream/driver/x/driver"
	"github.com/mongostream/driver/x/driver/session"
	"github.com/mongostream/driver/x/driver/topology"
	"github.com/mongostream/driver/streamdriver/options"
)

// operationTimeWireVersionThreshold is the minimum wire version at which a
// server's aggregate response operationTime may be trusted as a resume
// fallback (§9, resolved open question -- see DESIGN.md).
const operationTimeWireVersionThreshold int32 = 7

// ParentScope identifies the cluster, database, or collection a change
// stream subscribes to.
type ParentScope struct {
	Namespace  driver.Namespace
	ForCluster bool
}

// CollectionScope subscribes to a single collection's changes.
func CollectionScope(ns driver.Namespace) ParentScope {
	return ParentScope{Namespace: ns}
}

// DatabaseScope subscribes to every collection in a database.
func DatabaseScope(db string) ParentScope {
	return ParentScope{Namespace: driver.Namespace{DB: db}}
}

// ClusterScope subscribes to every change in the deployment.
func ClusterScope() ParentScope {
	return ParentScope{Namespace: driver.Namespace{DB: "admin"}, ForCluster: true}
}

func (p ParentScope) aggregateTarget() interface{} {
	if p.Namespace.Collection == "" {
		return int32(1)
	}
	return p.Namespace.Collection
}

// changeStreamCursor is the Change-Stream Cursor (C4): a generic cursor
// (x/driver.Cursor) whose initial operation is an aggregate carrying a
// $changeStream stage, plus the resume-token bookkeeping §4.4 requires.
type changeStreamCursor struct {
	cur    *driver.Cursor
	server driver.Server

	scope        ParentScope
	userPipeline bson.A
	args         options.ChangeStreamArgs

	// origStartAfter records whether this cursor's own options requested
	// StartAfter, since resumeOptions re-requests StartAfter only while that
	// holds and no document has been delivered yet (§4.4); a resume that
	// re-requests it passes StartAfter on to the rebuilt cursor.
	origStartAfter bson.Raw

	sess *session.Session

	onTokenChanged func(bson.Raw)

	mu                   sync.Mutex
	resumeToken          bson.Raw
	postBatchResumeToken bson.Raw
	startAtOperationTime *bson.Timestamp
	hasReceived          bool
}

// newChangeStreamCursor selects a server, issues the initial aggregate, and
// returns a cursor ready for consumption. The aggregate runs immediately
// (not lazily on first Next) so operationTime can be captured per §4.4.
func newChangeStreamCursor(
	ctx context.Context,
	topo *topology.Topology,
	pref topology.ReadPreference,
	scope ParentScope,
	userPipeline bson.A,
	args options.ChangeStreamArgs,
	sess *session.Session,
	onTokenChanged func(bson.Raw),
	selectionTimeout time.Duration,
) (*changeStreamCursor, error) {
	csc := &changeStreamCursor{
		scope:                scope,
		userPipeline:         userPipeline,
		args:                 args,
		origStartAfter:       args.StartAfter,
		sess:                 sess,
		onTokenChanged:       onTokenChanged,
		resumeToken:          args.ResumeAfter,
		startAtOperationTime: args.StartAtOperationTime,
	}
	if csc.resumeToken == nil {
		csc.resumeToken = args.StartAfter
	}

	init := func(ctx context.Context) (driver.Server, driver.InitialResult, error) {
		selCtx, cancel := csot.WithServerSelectionTimeout(ctx, selectionTimeout)
		defer cancel()

		server, err := topo.SelectServer(selCtx, pref)
		if err != nil {
			return nil, driver.InitialResult{}, err
		}
		csc.server = server

		cmd := buildAggregateCommand(scope, userPipeline, args)
		reply, initial, err := server.Command(ctx, scope.Namespace, cmd)
		if err != nil {
			return server, driver.InitialResult{}, err
		}
		if initial == nil {
			return server, driver.InitialResult{}, &driver.Error{Message: "aggregate reply missing cursor field"}
		}

		if args.ResumeAfter == nil && args.StartAfter == nil && args.StartAtOperationTime == nil &&
			server.WireVersion() >= operationTimeWireVersionThreshold {
			if v, lookupErr := reply.LookupErr("operationTime"); lookupErr == nil {
				if t, i, ok := v.TimestampOK(); ok {
					ts := bson.Timestamp{T: t, I: i}
					csc.mu.Lock()
					csc.startAtOperationTime = &ts
					csc.mu.Unlock()
				}
			}
		}

		csc.mu.Lock()
		if len(initial.PostBatchResumeToken) > 0 {
			csc.postBatchResumeToken = initial.PostBatchResumeToken
			if len(initial.FirstBatch) == 0 {
				csc.resumeToken = initial.PostBatchResumeToken
				csc.notifyTokenChangedLocked()
			}
		}
		csc.mu.Unlock()

		if sess != nil {
			if ct, lookupErr := reply.LookupErr("operationTime"); lookupErr == nil {
				if t, i, ok := ct.TimestampOK(); ok {
					sess.AdvanceOperationTime(bson.Timestamp{T: t, I: i})
				}
			}
		}

		return server, *initial, nil
	}

	cur := driver.NewCursor(init, true /* tailable */, sess)
	if maxAwait := args.MaxAwaitTime; maxAwait != nil {
		_ = cur.SetMaxTime(int64(*maxAwait / 1_000_000)) // ms
	}
	if err := cur.Initialize(ctx); err != nil {
		return nil, err
	}
	csc.cur = cur
	return csc, nil
}

// notifyTokenChangedLocked invokes the token-changed callback; caller must
// hold csc.mu and the callback itself must not call back into csc.
func (csc *changeStreamCursor) notifyTokenChangedLocked() {
	if csc.onTokenChanged != nil {
		csc.onTokenChanged(csc.resumeToken)
	}
}

// ResumeToken returns the cursor's current cached resume token.
func (csc *changeStreamCursor) ResumeToken() bson.Raw {
	csc.mu.Lock()
	defer csc.mu.Unlock()
	return csc.resumeToken
}

// HasReceived reports whether at least one document has been delivered.
func (csc *changeStreamCursor) HasReceived() bool {
	csc.mu.Lock()
	defer csc.mu.Unlock()
	return csc.hasReceived
}

// HasNext peeks without consuming.
func (csc *changeStreamCursor) HasNext(ctx context.Context) bool {
	return csc.cur.HasNext(ctx)
}

// Next makes at most one getMore attempt (a single tailable "await" poll)
// and applies the resume-token update rules of §4.4. ok=false, err=nil
// means the poll produced nothing new; the caller (C5) is expected to poll
// again.
func (csc *changeStreamCursor) Next(ctx context.Context) (bson.Raw, bool, error) {
	raw, ok := csc.cur.TryNext(ctx)

	newPBT := csc.cur.PostBatchResumeToken()

	csc.mu.Lock()
	changed := len(newPBT) > 0 && !bytes.Equal(newPBT, csc.postBatchResumeToken)
	if len(newPBT) > 0 {
		csc.postBatchResumeToken = newPBT
	}
	csc.mu.Unlock()

	if !ok {
		err := csc.cur.Err()
		if err == nil && changed {
			csc.mu.Lock()
			csc.resumeToken = csc.postBatchResumeToken
			csc.notifyTokenChangedLocked()
			csc.mu.Unlock()
		}
		return nil, false, err
	}

	idVal, lookupErr := raw.LookupErr("_id")
	if lookupErr != nil {
		return nil, false, ErrMissingResumeToken
	}
	if err := csc.cacheResumeToken(idVal); err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// cacheResumeToken implements §4.4's per-consumed-document update rule.
func (csc *changeStreamCursor) cacheResumeToken(id bson.RawValue) error {
	csc.mu.Lock()
	defer csc.mu.Unlock()

	if csc.cur.BufferLen() == 0 && len(csc.postBatchResumeToken) > 0 {
		csc.resumeToken = csc.postBatchResumeToken
	} else {
		doc, ok := id.DocumentOK()
		if !ok {
			return ErrMissingResumeToken
		}
		csc.resumeToken = doc
	}
	csc.hasReceived = true
	csc.notifyTokenChangedLocked()
	return nil
}

// resumeOptions produces the snapshot used to reconstruct a cursor after a
// resumable error, per §4.4.
func (csc *changeStreamCursor) resumeOptions(serverWireVersion int32) options.ChangeStreamArgs {
	csc.mu.Lock()
	defer csc.mu.Unlock()

	out := csc.args
	out.ResumeAfter = nil
	out.StartAfter = nil
	out.StartAtOperationTime = nil

	switch {
	case len(csc.resumeToken) > 0:
		if len(csc.origStartAfter) > 0 && !csc.hasReceived {
			out.StartAfter = csc.resumeToken
		} else {
			out.ResumeAfter = csc.resumeToken
		}
	case csc.startAtOperationTime != nil && serverWireVersion >= operationTimeWireVersionThreshold:
		out.StartAtOperationTime = csc.startAtOperationTime
	}
	return out
}

// Close releases the underlying generic cursor. Ending any owned implicit
// session is the generic Cursor's own responsibility now (it holds the
// session reference directly, §3 Generic Cursor data model), so this is a
// plain delegation.
func (csc *changeStreamCursor) Close(ctx context.Context) error {
	return csc.cur.Close(ctx)
}

func buildAggregateCommand(scope ParentScope, userPipeline bson.A, args options.ChangeStreamArgs) bson.Raw {
	stage := buildChangeStreamStage(scope, args)

	pipeline := make(bson.A, 0, len(userPipeline)+1)
	pipeline = append(pipeline, bson.D{{Key: "$changeStream", Value: stage}})
	pipeline = append(pipeline, userPipeline...)

	cursorDoc := bson.D{}
	if args.BatchSize != nil {
		cursorDoc = append(cursorDoc, bson.E{Key: "batchSize", Value: *args.BatchSize})
	}

	cmd := bson.D{
		{Key: "aggregate", Value: scope.aggregateTarget()},
		{Key: "pipeline", Value: pipeline},
		{Key: "cursor", Value: cursorDoc},
	}
	if args.Comment != nil {
		cmd = append(cmd, bson.E{Key: "comment", Value: args.Comment})
	}
	for k, v := range args.Custom {
		cmd = append(cmd, bson.E{Key: k, Value: v})
	}

	raw, _ := bson.Marshal(cmd)
	return raw
}

func buildChangeStreamStage(scope ParentScope, args options.ChangeStreamArgs) bson.D {
	stage := bson.D{}
	if scope.ForCluster {
		stage = append(stage, bson.E{Key: "allChangesForCluster", Value: true})
	}
	if args.FullDocument != nil {
		stage = append(stage, bson.E{Key: "fullDocument", Value: string(*args.FullDocument)})
	}
	if args.FullDocumentBeforeChange != nil {
		stage = append(stage, bson.E{Key: "fullDocumentBeforeChange", Value: string(*args.FullDocumentBeforeChange)})
	}
	if args.ShowExpandedEvents != nil {
		stage = append(stage, bson.E{Key: "showExpandedEvents", Value: *args.ShowExpandedEvents})
	}
	switch {
	case args.ResumeAfter != nil:
		stage = append(stage, bson.E{Key: "resumeAfter", Value: args.ResumeAfter})
	case args.StartAfter != nil:
		stage = append(stage, bson.E{Key: "startAfter", Value: args.StartAfter})
	case args.StartAtOperationTime != nil:
		stage = append(stage, bson.E{Key: "startAtOperationTime", Value: *args.StartAtOperationTime})
	}
	for k, v := range args.CustomPipeline {
		stage = append(stage, bson.E{Key: k, Value: v})
	}
	return stage
}
