// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package streamdriver

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/csot"
	"github.com/mongostream/driver/internal/logger"
	"github.com/mongostream/driver/x/driver"
	"github.com/mongostream/driver/x/driver/session"
	"github.com/mongostream/driver/x/driver/topology"
	"github.com/mongostream/driver/streamdriver/options"
)

const (
	defaultSelectionTimeout = 30 * time.Second
	defaultWaitInterval     = 500 * time.Millisecond
)

// Mode is the mutually-exclusive consumption mode a ChangeStream commits to
// on its first operation (§4.5, "mode guard"; §8 property 4).
type Mode uint8

// Modes a ChangeStream can be in.
const (
	ModeUnset Mode = iota
	ModeIterator
	ModeEmitter
)

// ChangeStream is the Change-Stream Engine (C5): a mode-guarded facade over
// one change-stream cursor (C4) at a time, owning the resume loop that
// replaces that cursor transparently on a resumable error.
//
// Go-native collapse of the spec's two surfaces (§4.5, "[ADDED]"): rather
// than a literal callback/event-emitter split, iterator mode exposes
// Next/TryNext/HasNext/Decode/Err (matching x/driver.Cursor's own shape),
// and emitter mode exposes a single Events channel. Both share one mode
// field that transitions at most once.
type ChangeStream struct {
	topo         *topology.Topology
	pref         topology.ReadPreference
	scope        ParentScope
	userPipeline bson.A
	args         options.ChangeStreamArgs
	sess         *session.Session
	log          *logger.Logger

	selectionTimeout time.Duration
	waitInterval     time.Duration

	mu     sync.Mutex
	mode   Mode
	closed bool
	cur    *changeStreamCursor
	ready  chan struct{} // closed whenever the cursor slot transitions; replaced atomically

	lastDoc bson.Raw
	lastErr error

	events chan ChangeEvent

	// OnResumeTokenChanged, if set, is invoked each time the engine's
	// cached resume token changes -- the Go analogue of the
	// "resumeTokenChanged" event (§6). It must not call back into the
	// ChangeStream it was registered on.
	OnResumeTokenChanged func(bson.Raw)
}

// Watch subscribes to changes within scope, starting a logical session if
// the deployment supports one. The initial aggregate runs synchronously;
// Watch returns once it completes, and returns its error, unretried, if it
// fails.
func Watch(
	ctx context.Context,
	topo *topology.Topology,
	scope ParentScope,
	pipeline bson.A,
	pref topology.ReadPreference,
	log *logger.Logger,
	opts ...*options.ChangeStreamOptions,
) (*ChangeStream, error) {
	args := options.MergeChangeStreamOptions(opts...)
	if err := validateArgs(*args); err != nil {
		return nil, err
	}

	var sess *session.Session
	if topo.HasSessionSupport() {
		s, err := topo.StartSession(topology.SessionOptions{})
		if err == nil {
			sess = s
		}
	}

	cs := &ChangeStream{
		topo:             topo,
		pref:             pref,
		scope:            scope,
		userPipeline:     pipeline,
		args:             *args,
		sess:             sess,
		log:              log,
		selectionTimeout: defaultSelectionTimeout,
		waitInterval:     defaultWaitInterval,
		ready:            make(chan struct{}),
	}

	cur, err := newChangeStreamCursor(ctx, topo, pref, scope, pipeline, *args, sess, cs.onResumeTokenChanged, cs.selectionTimeout)
	if err != nil {
		return nil, err
	}
	cs.cur = cur
	return cs, nil
}

func validateArgs(args options.ChangeStreamArgs) error {
	set := 0
	if args.ResumeAfter != nil {
		set++
	}
	if args.StartAfter != nil {
		set++
	}
	if args.StartAtOperationTime != nil {
		set++
	}
	if set > 1 {
		return &InvalidArgumentError{Reason: "resumeAfter, startAfter, and startAtOperationTime are mutually exclusive"}
	}
	return nil
}

func (cs *ChangeStream) onResumeTokenChanged(token bson.Raw) {
	cs.mu.Lock()
	cb := cs.OnResumeTokenChanged
	cs.mu.Unlock()
	if cb != nil {
		cb(token)
	}
}

// ResumeToken returns the current cursor's cached resume token, or nil if
// no cursor is currently owned (mid-resume, or closed).
func (cs *ChangeStream) ResumeToken() bson.Raw {
	cs.mu.Lock()
	cur := cs.cur
	cs.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.ResumeToken()
}

// Closed reports whether Close has run.
func (cs *ChangeStream) Closed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closed
}

func (cs *ChangeStream) setMode(want Mode) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.mode != ModeUnset && cs.mode != want {
		return ErrModeConflict
	}
	if cs.closed {
		return ErrChangeStreamClosed
	}
	cs.mode = want
	return nil
}

// getCursor implements §4.5's "_get_cursor": it returns the owned cursor,
// blocking (cancellably) while a resume is in flight, or ErrChangeStreamClosed
// once the engine has closed. The resume queue's FIFO-of-continuations
// (§9) collapses to this channel-close broadcast: every caller parked here
// wakes the instant the cursor slot next changes, with no separate queue to
// drain.
func (cs *ChangeStream) getCursor(ctx context.Context) (*changeStreamCursor, error) {
	for {
		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			return nil, ErrChangeStreamClosed
		}
		if cs.cur != nil {
			cur := cs.cur
			cs.mu.Unlock()
			return cur, nil
		}
		gate := cs.ready
		cs.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handleError implements §4.5's "process_error" / resume loop.
func (cs *ChangeStream) handleError(ctx context.Context, err error) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	oldCur := cs.cur
	var wireVersion int32
	if oldCur != nil && oldCur.server != nil {
		wireVersion = oldCur.server.WireVersion()
	}
	resumable := oldCur != nil && driver.IsResumable(err, wireVersion)
	if !resumable {
		cs.closeLocked(err)
		cs.mu.Unlock()
		if oldCur != nil {
			_ = oldCur.Close(ctx)
		}
		return
	}

	cs.cur = nil
	gate := cs.ready
	cs.ready = make(chan struct{})
	cs.mu.Unlock()

	cs.logResume("attempting", err.Error())

	_ = oldCur.Close(ctx)

	if waitErr := cs.waitForTopology(ctx); waitErr != nil {
		cs.logResume("abandoned", waitErr.Error())
		cs.mu.Lock()
		cs.closeLocked(waitErr)
		cs.mu.Unlock()
		close(gate)
		return
	}

	resumeArgs := oldCur.resumeOptions(wireVersion)
	newCur, buildErr := newChangeStreamCursor(ctx, cs.topo, cs.pref, cs.scope, cs.userPipeline, resumeArgs, cs.sess, cs.onResumeTokenChanged, cs.selectionTimeout)
	if buildErr != nil {
		cs.logResume("abandoned", buildErr.Error())
		cs.mu.Lock()
		cs.closeLocked(buildErr)
		cs.mu.Unlock()
		close(gate)
		return
	}

	cs.logResume("succeeded", "")
	cs.mu.Lock()
	cs.cur = newCur
	cs.mu.Unlock()
	close(gate)
}

func (cs *ChangeStream) logResume(outcome, reason string) {
	if cs.log == nil {
		return
	}
	cs.log.Print(logger.LevelInfo, logger.ResumeMessage{Outcome: outcome, Reason: reason})
}

// waitForTopology polls the topology at a fixed interval until it reports
// connected or the selection timeout elapses (§4.5, "topology wait"). The
// timeout bound is the minimum of the caller's own context deadline and
// cs.selectionTimeout, the same rule server selection itself applies.
func (cs *ChangeStream) waitForTopology(ctx context.Context) error {
	if cs.topo.IsConnected() {
		return nil
	}

	waitCtx, cancel := csot.WithServerSelectionTimeout(ctx, cs.selectionTimeout)
	defer cancel()

	ticker := time.NewTicker(cs.waitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTopologySelectionTimeout
		case <-ticker.C:
		}
		if cs.topo.IsConnected() {
			return nil
		}
	}
}

// closeLocked implements the engine half of §4.5's close: idempotent, it
// marks the engine closed, records err, empties the cursor slot, and wakes
// anyone parked in getCursor. It does not close the cursor it drops; its
// callers do that after releasing cs.mu. Caller must hold cs.mu.
func (cs *ChangeStream) closeLocked(err error) {
	if cs.closed {
		return
	}
	cs.closed = true
	cs.cur = nil
	if err != nil {
		cs.lastErr = err
	}
	close(cs.ready)
}

// Close transitions the engine to closed and releases its owned cursor.
// Idempotent (§8 property 3): a second call is a no-op.
func (cs *ChangeStream) Close(ctx context.Context) error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cur := cs.cur
	cs.closeLocked(nil)
	cs.mu.Unlock()

	if cur != nil {
		return cur.Close(ctx)
	}
	return nil
}

// Next advances to the next change event, blocking (respecting ctx) until
// one arrives, a resumable error is silently recovered from, or a terminal
// error/close ends the stream. Sets mode to iterator on first call.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	if err := cs.setMode(ModeIterator); err != nil {
		cs.setLastErr(err)
		return false
	}
	for {
		cur, err := cs.getCursor(ctx)
		if err != nil {
			cs.setLastErr(err)
			return false
		}

		doc, ok, nerr := cur.Next(ctx)
		if nerr != nil {
			cs.handleError(ctx, nerr)
			if cs.Closed() {
				// handleError already classified nerr as non-resumable and
				// closed the engine with it; looping back into getCursor
				// would only overwrite it with a generic "closed" error.
				return false
			}
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				cs.setLastErr(ctx.Err())
				return false
			default:
				continue
			}
		}

		cs.mu.Lock()
		cs.lastDoc, cs.lastErr = doc, nil
		cs.mu.Unlock()
		return true
	}
}

// TryNext is Next, but makes only a single poll attempt: it returns false
// immediately (with no error) if that poll produced nothing new, rather
// than looping.
func (cs *ChangeStream) TryNext(ctx context.Context) bool {
	if err := cs.setMode(ModeIterator); err != nil {
		cs.setLastErr(err)
		return false
	}
	cur, err := cs.getCursor(ctx)
	if err != nil {
		cs.setLastErr(err)
		return false
	}

	doc, ok, nerr := cur.Next(ctx)
	if nerr != nil {
		cs.handleError(ctx, nerr)
		return false
	}
	if !ok {
		return false
	}

	cs.mu.Lock()
	cs.lastDoc, cs.lastErr = doc, nil
	cs.mu.Unlock()
	return true
}

// HasNext peeks at whether another document exists, without consuming it.
// It blocks, issuing getMores past empty batches, until a document arrives,
// the cursor ends, or an error occurs.
func (cs *ChangeStream) HasNext(ctx context.Context) bool {
	if err := cs.setMode(ModeIterator); err != nil {
		return false
	}
	cur, err := cs.getCursor(ctx)
	if err != nil {
		return false
	}
	return cur.HasNext(ctx)
}

// DecodeBytes returns the raw document produced by the most recent
// successful Next/TryNext.
func (cs *ChangeStream) DecodeBytes() (bson.Raw, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.lastErr != nil {
		return nil, cs.lastErr
	}
	if cs.lastDoc == nil {
		return nil, driver.ErrRuntime
	}
	return cs.lastDoc, nil
}

// Decode unmarshals the most recent document into out.
func (cs *ChangeStream) Decode(out interface{}) error {
	raw, err := cs.DecodeBytes()
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

// Err returns the error, if any, that ended the most recent Next/TryNext.
func (cs *ChangeStream) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastErr
}

func (cs *ChangeStream) setLastErr(err error) {
	cs.mu.Lock()
	cs.lastErr = err
	cs.mu.Unlock()
}

// Events returns the emitter-mode channel, opening it (and its pumping
// goroutine) on first call. Sets mode to emitter; fails with
// ErrModeConflict if the stream already committed to iterator mode.
func (cs *ChangeStream) Events(ctx context.Context) (<-chan ChangeEvent, error) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil, ErrChangeStreamClosed
	}
	if cs.mode == ModeUnset {
		cs.mode = ModeEmitter
	} else if cs.mode != ModeEmitter {
		cs.mu.Unlock()
		return nil, ErrModeConflict
	}
	if cs.events != nil {
		ch := cs.events
		cs.mu.Unlock()
		return ch, nil
	}
	ch := make(chan ChangeEvent, 1)
	cs.events = ch
	cs.mu.Unlock()

	go cs.pump(ctx, ch)
	return ch, nil
}

func (cs *ChangeStream) pump(ctx context.Context, ch chan<- ChangeEvent) {
	defer close(ch)
	for {
		cur, err := cs.getCursor(ctx)
		if err != nil {
			select {
			case ch <- ChangeEvent{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		doc, ok, nerr := cur.Next(ctx)
		if nerr != nil {
			cs.handleError(ctx, nerr)
			if cs.Closed() {
				select {
				case ch <- ChangeEvent{Err: cs.Err()}:
				case <-ctx.Done():
				}
				return
			}
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case ch <- ChangeEvent{Doc: doc}:
		case <-ctx.Done():
			return
		}
	}
}
