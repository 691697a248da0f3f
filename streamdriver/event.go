// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package streamdriver

import "go.mongodb.org/mongo-driver/v2/bson"

// ChangeEvent is one item delivered through a change stream's emitter
// surface (Events): either a raw change-event document or a terminal
// error, never both (§6, "change" vs "error" events collapsed onto one
// channel the way x/driver.Stream collapses its own two outcomes).
type ChangeEvent struct {
	Doc bson.Raw
	Err error
}

// OperationType values a change event's "operationType" field may carry
// (§6).
const (
	OpInsert       = "insert"
	OpUpdate       = "update"
	OpReplace      = "replace"
	OpDelete       = "delete"
	OpInvalidate   = "invalidate"
	OpDrop         = "drop"
	OpDropDatabase = "dropDatabase"
	OpRename       = "rename"
)
