// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session provides the minimal logical-session bookkeeping the
// cursor engine depends on: an owning cursor ends an implicit session
// exactly once, during cleanup, and never ends an explicit one (§9, "Session
// ownership rule").
package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Kind distinguishes a session the driver created on the caller's behalf
// from one the caller created explicitly and passed in through a context.
type Kind uint8

// Session ownership kinds.
const (
	Implicit Kind = iota
	Explicit
)

// Session is a logical session as seen by the cursor engine: an id, an
// ownership kind, an operation time used as a change-stream resume
// fallback, and -- in load-balanced deployments -- a pinned connection
// identifier.
type Session struct {
	mu sync.Mutex

	ID   bson.Binary
	Kind Kind

	operationTime bson.Timestamp
	ended         bool

	pinnedServiceID string
}

// NewImplicit constructs a session the cursor itself owns and must end.
func NewImplicit(id bson.Binary) *Session {
	return &Session{ID: id, Kind: Implicit}
}

// NewExplicit wraps a session the caller owns; the cursor must never end it.
func NewExplicit(id bson.Binary) *Session {
	return &Session{ID: id, Kind: Explicit}
}

// OperationTime returns the last operation time observed on this session.
// The change-stream cursor keeps its own startAtOperationTime fallback from
// the aggregate reply and does not read this value.
func (s *Session) OperationTime() bson.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationTime
}

// AdvanceOperationTime advances the session's operation time monotonically.
func (s *Session) AdvanceOperationTime(t bson.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timestampAfter(t, s.operationTime) {
		s.operationTime = t
	}
}

func timestampAfter(a, b bson.Timestamp) bool {
	if a.T != b.T {
		return a.T > b.T
	}
	return a.I > b.I
}

// Pin records the service id this session is pinned to under load
// balancing; a pinned session's cursor must be reconstructed against the
// same connection on resume.
func (s *Session) Pin(serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinnedServiceID = serviceID
}

// Unpin clears the pin, e.g. after a network error (§5, "force-unpin").
func (s *Session) Unpin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinnedServiceID = ""
}

// PinnedServiceID returns the current pin, or "" if unpinned.
func (s *Session) PinnedServiceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedServiceID
}

// EndSession ends the session exactly once. It is a no-op for explicit
// sessions: those are ended by their owner, never by a cursor (§9).
func (s *Session) EndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Kind != Implicit || s.ended {
		return
	}
	s.ended = true
}

// Ended reports whether EndSession has taken effect.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
