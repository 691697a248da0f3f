// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/x/driver/session"
)

// Initializer runs the operation (find, aggregate, ...) that produces a
// cursor's first batch. It is invoked at most once, on the first consumer
// request, per §4.3.1.
type Initializer func(ctx context.Context) (Server, InitialResult, error)

// Transform maps a raw document to another raw document. A second Transform
// layered on top of a cursor composes with, rather than replaces, the first
// (§9, "transform chaining").
type Transform func(bson.Raw) (bson.Raw, error)

// Cursor is the public pull/push facade of the Cursor Engine (C3): lazy
// initialization, transform chaining, the mutator-after-use guard, and the
// two consumption modes (iterate via Next/TryNext/..., or stream via Stream)
// all live here; BatchCursor underneath only knows about getMore mechanics.
// Cursor does not stop a caller from using both modes on the same cursor.
type Cursor struct {
	mu sync.Mutex

	initFn      Initializer
	initialized bool
	initErr     error

	bc *BatchCursor

	tailable  bool
	transform Transform

	pendingBatchSize *int32
	pendingMaxTimeMS *int64
	pendingLimit     *int32
	appliedPending   bool

	lastErr error

	streamOpened bool

	// ownedSession is the generic cursor's session field (§3, Generic Cursor
	// data model): a session the cursor itself is responsible for ending.
	// EndSession is already a no-op for an explicit session, so Close/Rewind
	// call it unconditionally rather than checking Kind here.
	ownedSession *session.Session
}

// NewCursor constructs a Cursor that will call init on first use. sess may
// be nil; if non-nil, Close and Rewind both end it (implicit sessions only).
func NewCursor(init Initializer, tailable bool, sess *session.Session) *Cursor {
	return &Cursor{initFn: init, tailable: tailable, ownedSession: sess}
}

// ensureInitialized runs the cursor's Initializer exactly once (§4.3.1).
// Errors are sticky: once initialization fails, every subsequent call
// observes the same error without re-running the operation.
func (c *Cursor) ensureInitialized(ctx context.Context) error {
	if c.initialized {
		return c.initErr
	}
	c.initialized = true

	server, initial, err := c.initFn(ctx)
	if err != nil {
		c.initErr = err
		c.bc = &BatchCursor{closed: true}
		return err
	}

	c.bc = NewBatchCursor(server, initial)
	return nil
}

// Initialize forces the cursor's Initializer to run now rather than lazily
// on first Next. Change-stream cursors need this: the initial aggregate
// must run at construction time so its response's operationTime can be
// captured before any consumer asks for a document.
func (c *Cursor) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureInitialized(ctx)
}

// PostBatchResumeToken returns the most recently received
// postBatchResumeToken, or nil if the server has never sent one.
func (c *Cursor) PostBatchResumeToken() bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bc == nil {
		return nil
	}
	return c.bc.LastPostBatchResumeToken()
}

// BufferLen reports how many documents remain buffered locally, unconsumed.
func (c *Cursor) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bc == nil {
		return 0
	}
	return len(c.bc.buffered)
}

// requireNotInitialized backs every mutator's "cursor-in-use" guard (§4.3).
func (c *Cursor) requireNotInitialized() error {
	if c.initialized {
		return ErrCursorInUse
	}
	return nil
}

// requireNotTailable backs the tailable-misuse guard (§4.3).
func (c *Cursor) requireNotTailable() error {
	if c.tailable {
		return ErrTailableMisuse
	}
	return nil
}

// SetBatchSize sets the getMore batch size. Fails with ErrTailableMisuse on a
// tailable cursor and with ErrCursorInUse once the cursor is initialized.
func (c *Cursor) SetBatchSize(size int32) error {
	if err := c.requireNotTailable(); err != nil {
		return err
	}
	if err := c.requireNotInitialized(); err != nil {
		return err
	}
	c.pendingBatchSize = &size
	return nil
}

// SetMaxTime stages a maxTimeMS applied on initialization.
func (c *Cursor) SetMaxTime(ms int64) error {
	if err := c.requireNotInitialized(); err != nil {
		return err
	}
	c.pendingMaxTimeMS = &ms
	return nil
}

// SetLimit rejects limit changes on tailable cursors and stages the value
// otherwise.
func (c *Cursor) SetLimit(limit int32) error {
	if err := c.requireNotTailable(); err != nil {
		return err
	}
	if err := c.requireNotInitialized(); err != nil {
		return err
	}
	c.pendingLimit = &limit
	return nil
}

// Map layers a new Transform on top of any existing one (§9).
func (c *Cursor) Map(t Transform) error {
	if err := c.requireNotInitialized(); err != nil {
		return err
	}
	if c.transform == nil {
		c.transform = t
		return nil
	}
	prev := c.transform
	c.transform = func(raw bson.Raw) (bson.Raw, error) {
		out, err := prev(raw)
		if err != nil {
			return nil, err
		}
		return t(out)
	}
	return nil
}

func (c *Cursor) applyPending() {
	if c.pendingBatchSize != nil {
		c.bc.SetBatchSize(*c.pendingBatchSize)
	}
	if c.pendingMaxTimeMS != nil {
		c.bc.maxTimeMS = *c.pendingMaxTimeMS
	}
	if c.pendingLimit != nil {
		c.bc.SetLimit(*c.pendingLimit)
	}
}

// Next returns the next document, blocking on a getMore if necessary. It
// returns false at end-of-stream (server exhaustion or close); the caller
// must check Err to distinguish a clean end from a failure.
func (c *Cursor) Next(ctx context.Context) (bson.Raw, bool) {
	return c.next(ctx, true)
}

// TryNext is Next with blocking=false: it returns false (with no error) if
// the next getMore comes back with an empty batch rather than looping.
func (c *Cursor) TryNext(ctx context.Context) (bson.Raw, bool) {
	return c.next(ctx, false)
}

// HasNext peeks one document ahead without consuming it.
func (c *Cursor) HasNext(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureInitialized(ctx); err != nil {
		return false
	}
	has, _ := c.bc.HasNext(ctx)
	return has
}

func (c *Cursor) next(ctx context.Context, blocking bool) (bson.Raw, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initErr != nil && c.initialized {
		return nil, false
	}
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, false
	}
	if c.bc.closed {
		return nil, false
	}

	if !c.appliedPending {
		c.applyPending()
		c.appliedPending = true
	}

	raw, ok, err := c.bc.Next(ctx, blocking)
	if err != nil || !ok {
		c.lastErr = err
		return nil, false
	}

	if c.transform != nil {
		out, terr := c.transform(raw)
		if terr != nil {
			c.lastErr = terr
			return nil, false
		}
		return out, true
	}
	return raw, true
}

// Err returns the error, if any, that ended the most recent Next/TryNext
// call, or the initialization error if the cursor never managed to start.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		return c.initErr
	}
	return c.lastErr
}

// ToArray drains the cursor to completion.
func (c *Cursor) ToArray(ctx context.Context) ([]bson.Raw, error) {
	var out []bson.Raw
	for {
		raw, ok := c.Next(ctx)
		if !ok {
			break
		}
		out = append(out, raw)
	}
	return out, c.Err()
}

// ForEach iterates until fn returns false or the cursor ends.
func (c *Cursor) ForEach(ctx context.Context, fn func(bson.Raw) bool) error {
	for {
		raw, ok := c.Next(ctx)
		if !ok {
			return c.Err()
		}
		if !fn(raw) {
			return nil
		}
	}
}

// Rewind resets the cursor to its pre-initialized state: id, buffer,
// closed, killed, and initialized all reset (§3, Generic Cursor invariants),
// and ends any owned implicit session, exactly as Close does (spec.md:100).
// A subsequent Next re-runs the Initializer, acquiring a fresh session if one
// is needed.
func (c *Cursor) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	c.initErr = nil
	c.bc = nil
	c.appliedPending = false
	c.lastErr = nil
	if c.ownedSession != nil {
		c.ownedSession.EndSession()
	}
}

// Close transitions the cursor to closed, killing the server cursor and
// ending any owned session (§4.3.4). Close is idempotent.
func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownedSession != nil {
		c.ownedSession.EndSession()
	}
	if c.bc == nil {
		c.bc = &BatchCursor{closed: true}
		c.initialized = true
		return nil
	}
	return c.bc.Close(ctx)
}

// Closed reports whether Close has run (or initialization failed, which
// leaves the cursor unusable).
func (c *Cursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bc != nil && c.bc.closed
}

// ErrStreamInterrupted names a clean stream shutdown raced against by an
// in-flight getMore. Stream ends silently on an error matching it and never
// delivers it to a consumer (§4.3.3); nothing in this package produces it.
var ErrStreamInterrupted = errors.New("stream interrupted")
