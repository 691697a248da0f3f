// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/assert"
	"github.com/mongostream/driver/x/driver/session"
)

// fakeServer plays back a fixed sequence of getMore batches, then reports
// the cursor exhausted. It is deliberately simpler than topology.Server's
// test double: these tests exercise the generic Cursor facade, not C2 wire
// parsing.
type fakeServer struct {
	batches      [][]bson.Raw
	next         int
	killedIDs    []int64
	loadBalanced bool
}

func (f *fakeServer) Command(ctx context.Context, ns Namespace, cmd bson.Raw) (bson.Raw, *InitialResult, error) {
	return nil, nil, errors.New("fakeServer.Command unused")
}

func (f *fakeServer) GetMore(ctx context.Context, ns Namespace, cursorID int64, opts GetMoreOptions) (GetMoreResult, error) {
	if f.next >= len(f.batches) {
		return GetMoreResult{ID: 0}, nil
	}
	batch := f.batches[f.next]
	f.next++
	id := int64(42)
	if f.next == len(f.batches) {
		id = 0
	}
	return GetMoreResult{ID: id, NextBatch: batch}, nil
}

func (f *fakeServer) KillCursors(ctx context.Context, ns Namespace, ids []int64) error {
	f.killedIDs = append(f.killedIDs, ids...)
	return nil
}

func (f *fakeServer) WireVersion() int32  { return 17 }
func (f *fakeServer) LoadBalanced() bool  { return f.loadBalanced }
func (f *fakeServer) Description() string { return "fake" }

func doc(id int) bson.Raw {
	raw, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	if err != nil {
		panic(err)
	}
	return raw
}

// newTestCursor returns a non-tailable Cursor whose Initializer hands back
// firstBatch and whose subsequent getMores are served by srv.
func newTestCursor(srv *fakeServer, firstBatch []bson.Raw) *Cursor {
	init := func(ctx context.Context) (Server, InitialResult, error) {
		id := int64(42)
		if len(srv.batches) == 0 {
			id = 0
		}
		return srv, InitialResult{ID: id, FirstBatch: firstBatch}, nil
	}
	return NewCursor(init, false, nil)
}

func TestCursorToArray(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{batches: [][]bson.Raw{{doc(2), doc(3)}}}
	c := newTestCursor(srv, []bson.Raw{doc(1)})

	out, err := c.ToArray(context.Background())
	assert.NoError(t, err, "ToArray returned error: %v", err)
	assert.Equal(t, 3, len(out), "expected 3 documents, got %d", len(out))
	assert.True(t, c.Closed(), "expected ToArray's drain to exhaust and close the cursor")
}

func TestCursorForEachStopsEarly(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{batches: [][]bson.Raw{{doc(2), doc(3)}}}
	c := newTestCursor(srv, []bson.Raw{doc(1)})

	var seen []bson.Raw
	err := c.ForEach(context.Background(), func(raw bson.Raw) bool {
		seen = append(seen, raw)
		return len(seen) < 2
	})
	assert.NoError(t, err, "ForEach returned error: %v", err)
	assert.Equal(t, 2, len(seen), "expected ForEach to stop after 2 documents, got %d", len(seen))
}

func TestCursorMapChainsTransforms(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	c := newTestCursor(srv, []bson.Raw{doc(1)})

	var calls []string
	assert.NoError(t, c.Map(func(raw bson.Raw) (bson.Raw, error) {
		calls = append(calls, "first")
		return raw, nil
	}), "Map returned error: %v", nil)
	assert.NoError(t, c.Map(func(raw bson.Raw) (bson.Raw, error) {
		calls = append(calls, "second")
		return raw, nil
	}), "Map returned error: %v", nil)

	_, ok := c.Next(context.Background())
	assert.True(t, ok, "expected Next to produce a document")
	assert.Equal(t, []string{"first", "second"}, calls, "expected transforms to run in registration order")
}

func TestCursorMapAfterUseIsRejected(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	c := newTestCursor(srv, []bson.Raw{doc(1)})

	_, ok := c.Next(context.Background())
	assert.True(t, ok, "expected Next to produce a document")

	err := c.Map(func(raw bson.Raw) (bson.Raw, error) { return raw, nil })
	assert.Equal(t, ErrCursorInUse, err, "expected ErrCursorInUse once the cursor has been used")
}

func TestCursorStreamDeliversDocsThenCloses(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{batches: [][]bson.Raw{{doc(2)}}}
	c := newTestCursor(srv, []bson.Raw{doc(1)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Stream(ctx)

	var got []bson.Raw
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		got = append(got, item.Doc)
	}
	assert.Equal(t, 2, len(got), "expected 2 documents from the stream, got %d", len(got))
	assert.True(t, c.Closed(), "expected the stream's clean end-of-cursor to close the cursor")
}

func TestCursorStreamSurfacesError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	init := func(ctx context.Context) (Server, InitialResult, error) {
		return nil, InitialResult{}, wantErr
	}
	c := NewCursor(init, false, nil)

	ch := c.Stream(context.Background())
	item := <-ch
	assert.Equal(t, wantErr, item.Err, "expected the initializer's error to surface on the stream")

	if _, more := <-ch; more {
		t.Fatal("expected the stream channel to close after delivering the terminal error")
	}
}

func TestCursorRewindEndsOwnedSession(t *testing.T) {
	t.Parallel()

	srv := &fakeServer{}
	calls := 0
	init := func(ctx context.Context) (Server, InitialResult, error) {
		calls++
		return srv, InitialResult{ID: 0, FirstBatch: []bson.Raw{doc(calls)}}, nil
	}
	sess := session.NewImplicit(bson.Binary{Subtype: 0x04, Data: []byte("0123456789abcdef")})
	c := NewCursor(init, false, sess)

	assert.NoError(t, c.Initialize(context.Background()), "Initialize returned error: %v", nil)
	c.Rewind()
	assert.True(t, sess.Ended(), "expected Rewind to end the cursor's owned implicit session")

	assert.NoError(t, c.Initialize(context.Background()), "Initialize after Rewind returned error: %v", nil)
	assert.Equal(t, 2, calls, "expected Rewind to force the Initializer to run again")
}
