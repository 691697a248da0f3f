// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package streamdriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/assert"
	"github.com/mongostream/driver/streamdriver/options"
	"github.com/mongostream/driver/x/driver"
	"github.com/mongostream/driver/x/driver/topology"
)

// scriptStep is one canned RoundTrip outcome.
type scriptStep struct {
	reply bson.Raw
	err   error
}

// fakeServer is the fakeServer test double SPEC_FULL.md's testing section
// calls for: a topology.RoundTripper that plays back a queued script of
// replies per command name, falling back to repeating the last scripted
// step once a command's queue drains.
type fakeServer struct {
	mu    sync.Mutex
	steps map[string][]scriptStep
	calls []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{steps: make(map[string][]scriptStep)}
}

func (f *fakeServer) on(name string, step scriptStep) *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[name] = append(f.steps[name], step)
	return f
}

func (f *fakeServer) RoundTrip(ctx context.Context, ns driver.Namespace, cmd bson.Raw) (bson.Raw, error) {
	name := firstCommandKey(cmd)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)

	queue := f.steps[name]
	if len(queue) == 0 {
		return bson.Raw{}, nil
	}
	step := queue[0]
	if len(queue) > 1 {
		f.steps[name] = queue[1:]
	}
	return step.reply, step.err
}

func (f *fakeServer) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func firstCommandKey(cmd bson.Raw) string {
	elems, err := cmd.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// fakeTopology wires a fakeServer into a real, single-server
// topology.Topology -- Topology itself is a concrete static server list
// (§4.1), so faking it out means faking what it selects, not the type
// itself.
func fakeTopology(t *testing.T, rt topology.RoundTripper, wireVersion int32) *topology.Topology {
	t.Helper()
	srv := topology.NewServer(rt, wireVersion, topology.KindReplSetPrimary, false, nil)
	return topology.New(false, true, nil, srv)
}

func mustMarshal(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(v)
	assert.NoError(t, err, "marshal failed: %v", err)
	return raw
}

func tokenDoc(t *testing.T, data string) bson.Raw {
	t.Helper()
	return mustMarshal(t, bson.D{{Key: "_data", Value: data}})
}

func eventDoc(t *testing.T, tokenData string) bson.Raw {
	t.Helper()
	return mustMarshal(t, bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: tokenData}}},
		{Key: "operationType", Value: "insert"},
	})
}

func eventDocMissingID(t *testing.T) bson.Raw {
	t.Helper()
	return mustMarshal(t, bson.D{{Key: "operationType", Value: "insert"}})
}

func aggregateReply(t *testing.T, cursorID int64, batch bson.A, pbrt bson.Raw) bson.Raw {
	t.Helper()
	cursor := bson.D{
		{Key: "id", Value: cursorID},
		{Key: "ns", Value: "testdb.testcoll"},
		{Key: "firstBatch", Value: batch},
	}
	if pbrt != nil {
		cursor = append(cursor, bson.E{Key: "postBatchResumeToken", Value: pbrt})
	}
	return mustMarshal(t, bson.D{{Key: "cursor", Value: cursor}, {Key: "ok", Value: 1}})
}

func getMoreReply(t *testing.T, cursorID int64, batch bson.A, pbrt bson.Raw) bson.Raw {
	t.Helper()
	cursor := bson.D{
		{Key: "id", Value: cursorID},
		{Key: "ns", Value: "testdb.testcoll"},
		{Key: "nextBatch", Value: batch},
	}
	if pbrt != nil {
		cursor = append(cursor, bson.E{Key: "postBatchResumeToken", Value: pbrt})
	}
	return mustMarshal(t, bson.D{{Key: "cursor", Value: cursor}, {Key: "ok", Value: 1}})
}

// fakeNetError is classified as resumable regardless of wire version,
// matching a dropped TCP connection (§4.6).
type fakeNetError struct{ msg string }

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return true }
func (e *fakeNetError) Temporary() bool { return true }

func testScope() ParentScope {
	return CollectionScope(driver.Namespace{DB: "testdb", Collection: "testcoll"})
}

// S1: happy path -- a non-empty first batch is delivered and the resume
// token advances to the consumed document's _id.
func TestChangeStreamHappyPath(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().on("aggregate", scriptStep{
		reply: aggregateReply(t, 123, bson.A{eventDoc(t, "tok1")}, nil),
	})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())

	ok := cs.Next(context.Background())
	assert.True(t, ok, "expected Next to return a document")
	assert.NoError(t, cs.Err(), "expected no error after Next, got %v", cs.Err())

	raw, err := cs.DecodeBytes()
	assert.NoError(t, err, "DecodeBytes returned error: %v", err)
	if diff := cmp.Diff([]byte(eventDoc(t, "tok1")), []byte(raw)); diff != "" {
		t.Fatalf("unexpected document (-want +got):\n%s", diff)
	}

	wantToken := tokenDoc(t, "tok1")
	if diff := cmp.Diff([]byte(wantToken), []byte(cs.ResumeToken())); diff != "" {
		t.Fatalf("unexpected resume token (-want +got):\n%s", diff)
	}
}

// S2: an empty batch carrying a postBatchResumeToken advances the cached
// resume token without producing a change event.
func TestChangeStreamEmptyBatchAdvancesToken(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().
		on("aggregate", scriptStep{reply: aggregateReply(t, 55, bson.A{}, tokenDoc(t, "tpb0"))}).
		on("getMore", scriptStep{reply: getMoreReply(t, 55, bson.A{}, tokenDoc(t, "tpb1"))})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())

	if diff := cmp.Diff([]byte(tokenDoc(t, "tpb0")), []byte(cs.ResumeToken())); diff != "" {
		t.Fatalf("unexpected initial resume token (-want +got):\n%s", diff)
	}

	ok := cs.TryNext(context.Background())
	assert.False(t, ok, "expected TryNext to report no document for an empty batch")
	assert.NoError(t, cs.Err(), "expected no error from an empty batch, got %v", cs.Err())

	if diff := cmp.Diff([]byte(tokenDoc(t, "tpb1")), []byte(cs.ResumeToken())); diff != "" {
		t.Fatalf("unexpected resume token after empty batch (-want +got):\n%s", diff)
	}
}

// S3: a resumable (network) error on getMore transparently reconstructs the
// cursor from the last cached resume token.
func TestChangeStreamResumesOnNetworkError(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().
		on("aggregate", scriptStep{reply: aggregateReply(t, 123, bson.A{eventDoc(t, "tok1")}, nil)}).
		on("aggregate", scriptStep{reply: aggregateReply(t, 456, bson.A{eventDoc(t, "tok2")}, nil)}).
		on("getMore", scriptStep{err: &fakeNetError{msg: "connection reset by peer"}}).
		on("killCursors", scriptStep{reply: mustMarshal(t, bson.D{{Key: "ok", Value: 1}})})
	topo := fakeTopology(t, fs, 17)

	var resumed []bson.Raw
	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())
	cs.OnResumeTokenChanged = func(tok bson.Raw) { resumed = append(resumed, tok) }

	assert.True(t, cs.Next(context.Background()), "expected first document")
	raw1, _ := cs.DecodeBytes()
	if diff := cmp.Diff([]byte(eventDoc(t, "tok1")), []byte(raw1)); diff != "" {
		t.Fatalf("unexpected first document (-want +got):\n%s", diff)
	}

	// The next poll hits the scripted network error, triggering a resume
	// against a freshly-built cursor whose aggregate carries resumeAfter.
	assert.True(t, cs.Next(context.Background()), "expected Next to recover across a resume and deliver the post-resume document")
	raw2, _ := cs.DecodeBytes()
	if diff := cmp.Diff([]byte(eventDoc(t, "tok2")), []byte(raw2)); diff != "" {
		t.Fatalf("unexpected post-resume document (-want +got):\n%s", diff)
	}

	assert.Equal(t, 2, fs.callCount("aggregate"), "expected exactly 2 aggregate round trips (initial + resume)")
	assert.Equal(t, 1, fs.callCount("killCursors"), "expected the stale cursor to be killed during resume")
	assert.True(t, len(resumed) >= 2, "expected OnResumeTokenChanged to fire for both tokens")
}

// S4: a NonResumableChangeStreamError-labeled failure closes the engine and
// surfaces the original classified error, not a generic "closed" error.
func TestChangeStreamNonResumableErrorCloses(t *testing.T) {
	t.Parallel()

	wantErr := &driver.Error{Code: 11601, Message: "interrupted", Labels: []string{driver.LabelNonResumableChangeStream}}
	fs := newFakeServer().
		on("aggregate", scriptStep{reply: aggregateReply(t, 123, bson.A{eventDoc(t, "tok1")}, nil)}).
		on("getMore", scriptStep{err: wantErr})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())

	assert.True(t, cs.Next(context.Background()), "expected the first document")

	ok := cs.Next(context.Background())
	assert.False(t, ok, "expected Next to report failure on a non-resumable error")
	assert.Equal(t, wantErr, cs.Err(), "expected the classified server error to surface, got %v", cs.Err())
	assert.True(t, cs.Closed(), "expected the engine to close on a non-resumable error")

	// A second call observes the same terminal state rather than blocking.
	ok = cs.Next(context.Background())
	assert.False(t, ok, "expected a closed stream to keep reporting failure")
}

// S5: a notification missing "_id" is a fatal, non-resumable condition.
func TestChangeStreamMissingResumeTokenCloses(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().on("aggregate", scriptStep{
		reply: aggregateReply(t, 123, bson.A{eventDocMissingID(t)}, nil),
	})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())

	ok := cs.Next(context.Background())
	assert.False(t, ok, "expected Next to fail on a document missing _id")
	assert.Equal(t, ErrMissingResumeToken, cs.Err(), "expected ErrMissingResumeToken, got %v", cs.Err())
	assert.True(t, cs.Closed(), "expected the engine to close after a missing resume token")
}

// S6: an iterator-mode stream rejects a subsequent Events() call, and vice
// versa (§8 property 4).
func TestChangeStreamModeConflict(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().on("aggregate", scriptStep{
		reply: aggregateReply(t, 123, bson.A{eventDoc(t, "tok1")}, nil),
	})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())

	assert.True(t, cs.Next(context.Background()), "expected first Next to succeed and commit iterator mode")

	_, err = cs.Events(context.Background())
	assert.Equal(t, ErrModeConflict, err, "expected ErrModeConflict from Events after Next, got %v", err)
}

func TestChangeStreamModeConflictReversed(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().on("aggregate", scriptStep{
		reply: aggregateReply(t, 123, bson.A{eventDoc(t, "tok1")}, nil),
	})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)
	defer cs.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := cs.Events(ctx)
	assert.NoError(t, err, "Events returned error: %v", err)

	select {
	case ev := <-events:
		assert.NotNil(t, ev.Doc, "expected the emitted event to carry a document")
	case <-time.After(time.Second):
		cancel()
		t.Fatal("timed out waiting for an emitted change event")
	}
	// Stop the pump now that its one scripted document has been consumed;
	// the fake server has no further getMore data queued, and setMode below
	// never touches the cursor anyway since it fails before reaching it.
	cancel()

	ok := cs.TryNext(context.Background())
	assert.False(t, ok, "expected TryNext to fail once committed to emitter mode")
	assert.Equal(t, ErrModeConflict, cs.Err(), "expected ErrModeConflict, got %v", cs.Err())
}

// Close is idempotent (§8 property 3).
func TestChangeStreamCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	fs := newFakeServer().on("aggregate", scriptStep{
		reply: aggregateReply(t, 123, bson.A{eventDoc(t, "tok1")}, nil),
	})
	topo := fakeTopology(t, fs, 17)

	cs, err := Watch(context.Background(), topo, testScope(), nil, topology.PrimaryPreferred, nil)
	assert.NoError(t, err, "Watch returned error: %v", err)

	assert.NoError(t, cs.Close(context.Background()), "first Close returned error")
	assert.NoError(t, cs.Close(context.Background()), "second Close returned error")
	assert.True(t, cs.Closed(), "expected Closed to report true")

	ok := cs.Next(context.Background())
	assert.False(t, ok, "expected Next on a closed stream to fail")
	assert.Equal(t, ErrChangeStreamClosed, cs.Err(), "expected ErrChangeStreamClosed, got %v", cs.Err())
}

func TestValidateArgsRejectsMultipleStartingPoints(t *testing.T) {
	t.Parallel()

	args := options.ChangeStreamArgs{
		ResumeAfter: tokenDoc(t, "a"),
		StartAfter:  tokenDoc(t, "b"),
	}
	err := validateArgs(args)
	assert.NotNil(t, err, "expected validateArgs to reject resumeAfter+startAfter")
}
