// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/semaphore"

	"github.com/mongostream/driver/internal"
	"github.com/mongostream/driver/internal/csot"
	"github.com/mongostream/driver/internal/logger"
	"github.com/mongostream/driver/x/driver"
)

// defaultMaxConcurrentOps bounds the number of in-flight round trips a single
// Server will issue at once. Unbounded getMore fan-out (e.g. many
// change-stream cursors sharing one server) can otherwise starve the
// underlying connection pool the teacher's RoundTripper wraps; this mirrors
// the wait-queue the teacher's own pool applies at the connection-checkout
// layer, one level up.
const defaultMaxConcurrentOps = 64

// RoundTripper is the pluggable wire-layer collaborator a Server delegates
// every actual round trip to. Connection pooling, compression,
// authentication and BSON framing all live below this boundary and are out
// of scope for this module (§1); a production binding of Server would wrap
// a real pooled connection, and a test binding wraps an in-memory fake that
// plays back canned replies keyed by command name.
type RoundTripper interface {
	RoundTrip(ctx context.Context, ns driver.Namespace, cmd bson.Raw) (bson.Raw, error)
}

// Server is the concrete Server Handle (C2): it turns the three logical
// operations (Command, GetMore, KillCursors) into a RoundTrip call plus the
// BSON-level parsing of the "cursor" subdocument every cursor-returning
// reply carries, and tracks an in-flight operation count the way the
// teacher's pooled connection bookkeeping does, trimmed to the counting
// concern since this module owns no real pool.
type Server struct {
	rt           RoundTripper
	log          *logger.Logger
	wireVersion  int32
	kind         ServerKind
	loadBalanced bool

	sem     *semaphore.Weighted
	opCount atomic.Int64
}

// NewServer wraps rt as a server reachable at the given wire version and
// kind, bounding it to defaultMaxConcurrentOps simultaneous round trips.
func NewServer(rt RoundTripper, wireVersion int32, kind ServerKind, loadBalanced bool, log *logger.Logger) *Server {
	return NewServerWithConcurrency(rt, wireVersion, kind, loadBalanced, log, defaultMaxConcurrentOps)
}

// NewServerWithConcurrency is NewServer with an explicit round-trip
// concurrency bound, e.g. for a test that wants to exercise the wait queue
// itself.
func NewServerWithConcurrency(rt RoundTripper, wireVersion int32, kind ServerKind, loadBalanced bool, log *logger.Logger, maxConcurrentOps int64) *Server {
	return &Server{
		rt:           rt,
		wireVersion:  wireVersion,
		kind:         kind,
		loadBalanced: loadBalanced,
		log:          log,
		sem:          semaphore.NewWeighted(maxConcurrentOps),
	}
}

// Kind reports this server's role, used by Topology.SelectServer's primary
// preference.
func (s *Server) Kind() ServerKind { return s.kind }

// WireVersion implements driver.Server.
func (s *Server) WireVersion() int32 { return s.wireVersion }

// LoadBalanced implements driver.Server.
func (s *Server) LoadBalanced() bool { return s.loadBalanced }

// Description implements driver.Server.
func (s *Server) Description() string { return string(s.kind) }

// checkOut blocks until a round-trip slot is free, then returns a release
// function. It only returns an error if ctx is done before a slot frees up.
func (s *Server) checkOut(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.opCount.Add(1)
	return func() {
		s.opCount.Add(-1)
		s.sem.Release(1)
	}, nil
}

// InFlight returns the number of operations this server handle currently has
// outstanding; used only for fairness/observability (§4.2).
func (s *Server) InFlight() int64 { return s.opCount.Load() }

func (s *Server) logCommand(name string, ns driver.Namespace, outcome string, reason string) {
	if s.log == nil {
		return
	}
	s.log.Print(logger.LevelDebug, logger.CommandMessage{
		Name:      name,
		Namespace: ns.FullName(),
		Outcome:   outcome,
		Reason:    reason,
	})
}

// roundTrip races cmd's round trip against ctx cancellation through a
// CancellationListener, so an in-flight getMore or aggregate that is
// abandoned by its caller is logged as "canceled" rather than silently
// dropped once RoundTrip eventually returns ctx.Err().
func (s *Server) roundTrip(ctx context.Context, ns driver.Namespace, cmd bson.Raw, name string) (bson.Raw, error) {
	listener := internal.NewCancellationListener()
	go listener.Listen(ctx, func() {
		s.logCommand(name, ns, "canceled", "context canceled while round trip in flight")
	})

	reply, err := s.rt.RoundTrip(ctx, ns, cmd)
	listener.StopListening()
	return reply, err
}

// Command implements driver.Server: a single non-getMore round trip, with
// the cursor subdocument (if any) parsed out of the reply for the caller's
// convenience.
func (s *Server) Command(ctx context.Context, ns driver.Namespace, cmd bson.Raw) (bson.Raw, *driver.InitialResult, error) {
	done, err := s.checkOut(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer done()

	s.logCommand(commandName(cmd), ns, "started", "")

	reply, err := s.roundTrip(ctx, ns, cmd, commandName(cmd))
	if err != nil {
		s.logCommand(commandName(cmd), ns, "failed", err.Error())
		return nil, nil, err
	}
	s.logCommand(commandName(cmd), ns, "succeeded", "")

	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		// Not every command returns a cursor (e.g. a plain hello); the
		// caller only looks at the second return value when it expects one.
		return reply, nil, nil
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return reply, nil, &driver.Error{Message: "cursor field is not a document"}
	}

	initial, err := parseInitialResult(cursorDoc)
	if err != nil {
		return reply, nil, err
	}
	return reply, initial, nil
}

// GetMore implements driver.Server.
func (s *Server) GetMore(ctx context.Context, ns driver.Namespace, cursorID int64, opts driver.GetMoreOptions) (driver.GetMoreResult, error) {
	done, err := s.checkOut(ctx)
	if err != nil {
		return driver.GetMoreResult{}, err
	}
	defer done()

	cmd := buildGetMoreCommand(ctx, ns, cursorID, opts)

	s.logCommand("getMore", ns, "started", "")
	reply, err := s.roundTrip(ctx, ns, cmd, "getMore")
	if err != nil {
		s.logCommand("getMore", ns, "failed", err.Error())
		return driver.GetMoreResult{}, err
	}
	s.logCommand("getMore", ns, "succeeded", "")

	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		return driver.GetMoreResult{}, &driver.Error{Message: "getMore reply missing cursor field"}
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return driver.GetMoreResult{}, &driver.Error{Message: "cursor field is not a document"}
	}

	return parseGetMoreResult(cursorDoc)
}

// KillCursors implements driver.Server. Its error is always best-effort from
// the caller's perspective (§4.2), but it is still reported honestly here.
func (s *Server) KillCursors(ctx context.Context, ns driver.Namespace, ids []int64) error {
	done, err := s.checkOut(ctx)
	if err != nil {
		return err
	}
	defer done()

	cmd := buildKillCursorsCommand(ns, ids)
	s.logCommand("killCursors", ns, "started", "")
	_, err = s.roundTrip(ctx, ns, cmd, "killCursors")
	if err != nil {
		s.logCommand("killCursors", ns, "failed", err.Error())
		return err
	}
	s.logCommand("killCursors", ns, "succeeded", "")
	return nil
}

func commandName(cmd bson.Raw) string {
	elems, err := cmd.Elements()
	if err != nil || len(elems) == 0 {
		return "command"
	}
	return elems[0].Key()
}

// buildGetMoreCommand assembles a getMore command. maxTimeMS is omitted
// when ctx carries a skip-maxTime marker (csot.NewSkipMaxTimeContext),
// mirroring how the teacher's own monitoring isSkipMaxTimeContext check
// keeps maxTimeMS off commands that must never block awaiting it.
func buildGetMoreCommand(ctx context.Context, ns driver.Namespace, cursorID int64, opts driver.GetMoreOptions) bson.Raw {
	doc := bson.D{
		{Key: "getMore", Value: cursorID},
		{Key: "collection", Value: ns.Collection},
	}
	if opts.BatchSize > 0 {
		doc = append(doc, bson.E{Key: "batchSize", Value: opts.BatchSize})
	}
	if opts.MaxTimeMS > 0 && !csot.IsSkipMaxTimeContext(ctx) {
		doc = append(doc, bson.E{Key: "maxTimeMS", Value: opts.MaxTimeMS})
	}
	if opts.Comment.Type != 0 {
		doc = append(doc, bson.E{Key: "comment", Value: opts.Comment})
	}
	raw, _ := bson.Marshal(doc)
	return raw
}

func buildKillCursorsCommand(ns driver.Namespace, ids []int64) bson.Raw {
	raw, _ := bson.Marshal(bson.D{
		{Key: "killCursors", Value: ns.Collection},
		{Key: "cursors", Value: ids},
	})
	return raw
}

func parseInitialResult(cursorDoc bson.Raw) (*driver.InitialResult, error) {
	result := &driver.InitialResult{}

	if v, err := cursorDoc.LookupErr("id"); err == nil {
		id, ok := v.Int64OK()
		if !ok {
			return nil, &driver.Error{Message: "cursor.id is not an int64"}
		}
		result.ID = id
	}

	if v, err := cursorDoc.LookupErr("ns"); err == nil {
		if name, ok := v.StringValueOK(); ok {
			result.Namespace = splitNamespace(name)
		}
	}

	batchKey := "firstBatch"
	if _, err := cursorDoc.LookupErr(batchKey); err != nil {
		batchKey = "nextBatch"
	}
	batch, err := decodeBatch(cursorDoc, batchKey)
	if err != nil {
		return nil, err
	}
	result.FirstBatch = batch

	if v, err := cursorDoc.LookupErr("postBatchResumeToken"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			result.PostBatchResumeToken = doc
		}
	}

	return result, nil
}

func parseGetMoreResult(cursorDoc bson.Raw) (driver.GetMoreResult, error) {
	var result driver.GetMoreResult

	if v, err := cursorDoc.LookupErr("id"); err == nil {
		id, ok := v.Int64OK()
		if !ok {
			return result, &driver.Error{Message: "cursor.id is not an int64"}
		}
		result.ID = id
	}
	if v, err := cursorDoc.LookupErr("ns"); err == nil {
		if name, ok := v.StringValueOK(); ok {
			result.Namespace = splitNamespace(name)
		}
	}

	batch, err := decodeBatch(cursorDoc, "nextBatch")
	if err != nil {
		return result, err
	}
	result.NextBatch = batch

	if v, err := cursorDoc.LookupErr("postBatchResumeToken"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			result.PostBatchResumeToken = doc
		}
	}

	return result, nil
}

func decodeBatch(cursorDoc bson.Raw, key string) ([]bson.Raw, error) {
	v, err := cursorDoc.LookupErr(key)
	if err != nil {
		return nil, nil
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, &driver.Error{Message: "cursor." + key + " is not an array"}
	}
	values, err := arr.Values()
	if err != nil {
		return nil, &driver.Error{Message: "cursor." + key + " could not be decoded"}
	}
	batch := make([]bson.Raw, 0, len(values))
	for _, val := range values {
		doc, ok := val.DocumentOK()
		if !ok {
			return nil, &driver.Error{Message: "cursor." + key + " element is not a document"}
		}
		batch = append(batch, doc)
	}
	return batch, nil
}

func splitNamespace(full string) driver.Namespace {
	for i := 0; i < len(full); i++ {
		if full[i] == '.' {
			return driver.Namespace{DB: full[:i], Collection: full[i+1:]}
		}
	}
	return driver.Namespace{DB: full}
}
