// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrServerClosed is a local (never wire-level) error naming a cursor closed
// out from under its stream. Stream treats an error matching it as a clean
// end; a closed Cursor itself reports end-of-stream with a nil Err and does
// not return it.
var ErrServerClosed = errors.New("cursor is closed")

// StreamItem is one element of a Stream: either a document or a terminal
// error. A Stream never sends both a non-nil Doc and a non-nil Err.
type StreamItem struct {
	Doc bson.Raw
	Err error
}

// Stream implements §4.3.3: a push source that, on each demand, invokes
// Next(blocking=true) on c, with no read-ahead beyond one in-flight getMore.
// It runs its pump on a dedicated goroutine so the consumer can select on
// the returned channel alongside other events.
//
// Errors are classified structurally rather than by matching on error
// message text (the teacher's own legacy approach, flagged as fragile in
// §9): ErrServerClosed closes the cursor and ends the stream silently;
// ErrStreamInterrupted (a race between a kill and an in-flight getMore) also
// ends the stream silently; anything else is delivered as a terminal
// StreamItem.Err.
func (c *Cursor) Stream(ctx context.Context) <-chan StreamItem {
	out := make(chan StreamItem, 1)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			raw, ok := c.Next(ctx)
			if ok {
				select {
				case out <- StreamItem{Doc: raw}:
				case <-ctx.Done():
					return
				}
				continue
			}

			err := c.Err()
			switch {
			case err == nil:
				return
			case errors.Is(err, ErrServerClosed):
				_ = c.Close(ctx)
				return
			case errors.Is(err, ErrStreamInterrupted):
				return
			default:
				select {
				case out <- StreamItem{Err: err}:
				case <-ctx.Done():
				}
				_ = c.Close(ctx)
				return
			}
		}
	}()

	return out
}
