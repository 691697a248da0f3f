// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver implements the generic cursor engine (C3) that every
// server-streamed read operation -- find, aggregate, and in particular
// change streams -- is built on top of, plus the server handle (C2) and
// error classifier (C6) it depends on. Wire framing, BSON encoding,
// authentication, and connection pooling are external collaborators: this
// package only ever sees a Server that already knows how to round-trip a
// command and a bson.Raw it never has to interpret structurally.
package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Namespace identifies a database and, optionally, a collection within it.
type Namespace struct {
	DB         string
	Collection string
}

// FullName returns "db.collection", or just "db" if Collection is empty.
func (ns Namespace) FullName() string {
	if ns.Collection == "" {
		return ns.DB
	}
	return ns.DB + "." + ns.Collection
}

// GetMoreOptions configures a single getMore round trip.
type GetMoreOptions struct {
	BatchSize  int32
	MaxTimeMS  int64
	Comment    bson.RawValue
}

// GetMoreResult is the decoded "cursor" subdocument of a getMore reply.
type GetMoreResult struct {
	ID                  int64
	Namespace           Namespace
	NextBatch           []bson.Raw
	PostBatchResumeToken bson.Raw
}

// InitialResult is the decoded "cursor" subdocument of an aggregate (or
// find) reply.
type InitialResult struct {
	ID                  int64
	Namespace           Namespace
	FirstBatch          []bson.Raw
	PostBatchResumeToken bson.Raw
}

// Server is the subset of a selected server's capability this package
// depends on (C2 in the design). A production implementation backs this
// with a real connection and wire encoder; tests back it with a fake that
// plays back canned replies.
type Server interface {
	// Command executes a single non-getMore command (e.g. aggregate) and
	// returns its reply and, for cursor-returning commands, the parsed
	// cursor subdocument.
	Command(ctx context.Context, ns Namespace, cmd bson.Raw) (reply bson.Raw, cursor *InitialResult, err error)

	// GetMore issues a getMore against a live server cursor.
	GetMore(ctx context.Context, ns Namespace, cursorID int64, opts GetMoreOptions) (GetMoreResult, error)

	// KillCursors is best-effort; the caller ignores its error.
	KillCursors(ctx context.Context, ns Namespace, ids []int64) error

	// WireVersion is the maximum wire protocol version this server has
	// advertised.
	WireVersion() int32

	// LoadBalanced reports whether this server was reached through a load
	// balancer, which changes cursor cleanup and session pinning semantics.
	LoadBalanced() bool

	// Description is a short human-readable identifier used in errors and
	// logs (e.g. "mongos" or "replset-primary").
	Description() string
}
