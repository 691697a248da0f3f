// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// BatchCursor is the mechanical half of the Cursor Engine (C3): it owns the
// server cursor id, the current batch, and the getMore loop. It assumes the
// initial operation (find/aggregate/...) has already run; Cursor (in this
// same package) adds lazy first-call initialization, transform chaining,
// and the mutator-after-use guard on top of it.
type BatchCursor struct {
	id  int64
	ns  Namespace
	server Server

	buffered []bson.Raw

	batchSize   int32
	limit       int32
	numReturned int32
	maxTimeMS   int64
	comment     bson.RawValue

	lastPostBatchResumeToken bson.Raw

	closed bool
	killed bool
}

// NewBatchCursor wraps the cursor descriptor returned by an already-executed
// initial operation (aggregate, find, ...).
func NewBatchCursor(server Server, initial InitialResult) *BatchCursor {
	return &BatchCursor{
		id:                       initial.ID,
		ns:                       initial.Namespace,
		server:                   server,
		buffered:                 initial.FirstBatch,
		lastPostBatchResumeToken: initial.PostBatchResumeToken,
	}
}

// ID returns the server cursor id; zero means the server side is exhausted.
func (bc *BatchCursor) ID() int64 { return bc.id }

// Closed reports whether Close has run.
func (bc *BatchCursor) Closed() bool { return bc.closed }

// LastPostBatchResumeToken returns the postBatchResumeToken attached to the
// most recently received batch, or nil if none was ever sent.
func (bc *BatchCursor) LastPostBatchResumeToken() bson.Raw { return bc.lastPostBatchResumeToken }

// SetBatchSize sets the batch size requested on each subsequent getMore.
func (bc *BatchCursor) SetBatchSize(size int32) { bc.batchSize = size }

// SetLimit sets the total document limit across the cursor's lifetime; 0
// means unlimited.
func (bc *BatchCursor) SetLimit(limit int32) { bc.limit = limit }

// SetMaxTime sets maxTimeMS sent with each getMore, truncated to
// milliseconds.
func (bc *BatchCursor) SetMaxTime(d time.Duration) {
	bc.maxTimeMS = int64(d / time.Millisecond)
}

// SetComment sets the comment attached to each getMore. Only document-typed
// comments are accepted (matching the server's own restriction); anything
// else is silently dropped, matching the permissive functional-options style
// used throughout this module.
func (bc *BatchCursor) SetComment(comment interface{}) {
	t, data, err := bson.MarshalValue(comment)
	if err != nil {
		return
	}
	if t != bson.TypeEmbeddedDocument {
		return
	}
	bc.comment = bson.RawValue{Type: t, Value: data}
}

// calcGetMoreBatchSize decides the batchSize to request on the next getMore,
// accounting for a configured limit. The second return value is false when
// the limit has already been reached and no further getMore should be
// issued.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	if bc.limit != 0 {
		remaining := bc.limit - bc.numReturned
		if remaining <= 0 {
			return remaining, false
		}
		if bc.batchSize == 0 {
			return 0, true
		}
		if bc.batchSize < remaining {
			return bc.batchSize, true
		}
		return remaining, true
	}
	return bc.batchSize, true
}

// Next implements the iteration algorithm of §4.3.2: pop a buffered
// document if one is available, otherwise issue a getMore (unless the
// cursor is already exhausted), looping -- never recursing -- until a
// document is produced or the cursor is exhausted.
//
// blocking controls what happens when a getMore returns an empty batch but
// the cursor id is still live: blocking callers (Next) loop and try again;
// non-blocking callers (TryNext) return immediately with ok=false.
func (bc *BatchCursor) Next(ctx context.Context, blocking bool) (doc bson.Raw, ok bool, err error) {
	for {
		if bc.closed {
			return nil, false, nil
		}

		if len(bc.buffered) > 0 {
			doc = bc.buffered[0]
			bc.buffered = bc.buffered[1:]
			return doc, true, nil
		}

		if bc.id == 0 {
			bc.cleanup(ctx, nil, false)
			return nil, false, nil
		}

		size, more := calcGetMoreBatchSize(*bc)
		if !more {
			bc.cleanup(ctx, nil, false)
			return nil, false, nil
		}

		result, getMoreErr := bc.server.GetMore(ctx, bc.ns, bc.id, GetMoreOptions{
			BatchSize: size,
			MaxTimeMS: bc.maxTimeMS,
			Comment:   bc.comment,
		})
		if getMoreErr != nil {
			bc.cleanup(ctx, getMoreErr, false)
			return nil, false, getMoreErr
		}

		bc.id = result.ID
		bc.buffered = result.NextBatch
		bc.numReturned += int32(len(result.NextBatch))
		bc.lastPostBatchResumeToken = result.PostBatchResumeToken

		if bc.id == 0 && len(bc.buffered) == 0 {
			bc.cleanup(ctx, nil, false)
			return nil, false, nil
		}

		if len(bc.buffered) == 0 {
			if !blocking {
				return nil, false, nil
			}
			continue
		}

		// Loop back to pop from the newly filled buffer.
	}
}

// HasNext peeks at whether another document exists without consuming it. It
// uses a blocking Next, so on a live cursor it keeps issuing getMores past
// empty batches until a document arrives, the cursor ends, or an error occurs.
func (bc *BatchCursor) HasNext(ctx context.Context) (bool, error) {
	doc, ok, err := bc.Next(ctx, true)
	if err != nil || !ok {
		return false, err
	}
	bc.buffered = append([]bson.Raw{doc}, bc.buffered...)
	return true, nil
}

// Close implements the cleanup algorithm of §4.3.4 for an explicit close:
// it always attempts killCursors on a live server cursor. BatchCursor holds no
// session; ending an owned session is Cursor.Close's job.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.cleanup(ctx, nil, true)
	return nil
}

// cleanup implements §4.3.4. skipKill is set by the load-balanced
// network-error path, which must not attempt killCursors against a
// connection already known to be bad.
func (bc *BatchCursor) cleanup(ctx context.Context, cause error, explicit bool) {
	if bc.closed {
		return
	}
	bc.closed = true

	if bc.id == 0 || bc.server == nil {
		return
	}

	skipKill := !explicit && bc.server.LoadBalanced() && isNetworkCause(cause)
	if skipKill {
		bc.killed = true
		return
	}

	bc.killed = true
	// Best-effort: killCursors errors are never surfaced (§4.2).
	_ = bc.server.KillCursors(ctx, bc.ns, []int64{bc.id})
}

func isNetworkCause(err error) bool {
	if err == nil {
		return false
	}
	return IsResumable(err, 0) // network errors classify as resumable at any wire version
}
