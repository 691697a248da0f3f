// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the Topology View (C1) and the concrete
// Server Handle (C2) the rest of this module selects and drives. SDAM
// monitoring -- the background goroutine that would keep a real
// Topology's server list and descriptions current -- is an external
// collaborator; this package exposes the read-only facade a consumer
// needs (IsConnected, SelectServer, session support, cluster time) over
// whatever server list it was last told about.
package topology

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/logger"
	"github.com/mongostream/driver/x/driver"
	"github.com/mongostream/driver/x/driver/session"
)

// ErrNoServerSelected is returned by SelectServer when the topology has no
// connected server matching the request. A real implementation would carry
// a server-selection timeout and candidate diagnostics; both are out of
// scope here (§1 leaves server selection itself an external collaborator).
var ErrNoServerSelected = errors.New("topology: no suitable server available")

// SessionOptions configures StartSession.
type SessionOptions struct {
	Explicit bool
}

// Topology is a minimal, static stand-in for the real driver's SDAM state
// machine: a fixed server list plus a connected flag a test (or, in a full
// implementation, a monitoring goroutine) flips directly.
type Topology struct {
	mu sync.RWMutex

	log *logger.Logger

	servers      []*Server
	connected    bool
	loadBalanced bool
	sessionIDs   bool // whether the deployment supports logical sessions

	clusterTime bson.Raw
}

// New constructs a Topology over an initial, static server list.
func New(loadBalanced, sessionSupport bool, log *logger.Logger, servers ...*Server) *Topology {
	return &Topology{
		log:          log,
		servers:      servers,
		connected:    len(servers) > 0,
		loadBalanced: loadBalanced,
		sessionIDs:   sessionSupport,
	}
}

// SetConnected lets a test (or a future monitor) flip connectivity without
// replacing the server list.
func (t *Topology) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// AddServer appends a server to the static list, e.g. as a test brings up a
// fake secondary.
func (t *Topology) AddServer(s *Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.servers = append(t.servers, s)
	t.connected = true
}

// IsConnected reports whether the deployment currently has at least one
// reachable server. The resume loop (C5) polls this while waiting out a
// transient outage (§5).
func (t *Topology) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && len(t.servers) > 0
}

// SelectServer returns the first server matching pref's mode. Real
// read-preference tag-set matching and latency-window selection are
// external collaborators (§1); this only distinguishes "primary" and
// "primaryPreferred" callers (who get the first replset-primary, standalone,
// or mongos server, falling back to the first server of any kind) from
// everyone else, who get the first server of any kind.
func (t *Topology) SelectServer(ctx context.Context, pref ReadPreference) (driver.Server, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.connected || len(t.servers) == 0 {
		return nil, ErrNoServerSelected
	}

	if pref.Mode == "primary" || pref.Mode == "primaryPreferred" {
		for _, s := range t.servers {
			if s.Kind() == KindReplSetPrimary || s.Kind() == KindStandalone || s.Kind() == KindMongos {
				return s, nil
			}
		}
	}
	return t.servers[0], nil
}

// HasSessionSupport reports whether the deployment's servers support
// logical sessions (wire version high enough, logicalSessionTimeoutMinutes
// present in isMaster/hello -- both details an external collaborator would
// establish during the handshake).
func (t *Topology) HasSessionSupport() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionIDs
}

// StartSession begins a new logical session, implicit unless the caller
// asks for an explicit one. Real id generation would draw from a
// server-session pool; a fresh random binary here is a sufficient stand-in
// since session identity, not pool reuse, is what the cursor engine depends
// on.
func (t *Topology) StartSession(opts SessionOptions) (*session.Session, error) {
	if !t.HasSessionSupport() {
		return nil, errors.New("topology: deployment does not support sessions")
	}
	id := bson.Binary{Subtype: 0x04, Data: newSessionUUID()}
	if opts.Explicit {
		return session.NewExplicit(id), nil
	}
	return session.NewImplicit(id), nil
}

// LoadBalanced reports whether this deployment was reached through a load
// balancer, which changes cursor cleanup and session pinning rules (§4.3.4,
// §5).
func (t *Topology) LoadBalanced() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loadBalanced
}

// ClusterTime returns the highest $clusterTime observed from any server
// response so far, or nil if none has been seen yet.
func (t *Topology) ClusterTime() bson.Raw {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clusterTime
}

// AdvanceClusterTime gossips a new $clusterTime into the topology if it is
// newer than what is already recorded. Comparison is by the clusterTime
// document's own "clusterTime" timestamp field; a document that cannot be
// parsed is ignored rather than rejected, matching the gossip protocol's
// best-effort nature.
func (t *Topology) AdvanceClusterTime(ct bson.Raw) {
	if len(ct) == 0 {
		return
	}
	if _, err := clusterTimestamp(ct); err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clusterTime == nil || clusterTimeAfter(ct, t.clusterTime) {
		t.clusterTime = ct
	}
}

func clusterTimeAfter(a, b bson.Raw) bool {
	at, aerr := clusterTimestamp(a)
	bt, berr := clusterTimestamp(b)
	if aerr != nil {
		return false
	}
	if berr != nil {
		return true
	}
	if at.T != bt.T {
		return at.T > bt.T
	}
	return at.I > bt.I
}

func clusterTimestamp(ct bson.Raw) (bson.Timestamp, error) {
	val, err := ct.LookupErr("clusterTime")
	if err != nil {
		return bson.Timestamp{}, err
	}
	t, i, ok := val.TimestampOK()
	if !ok {
		return bson.Timestamp{}, errors.New("topology: clusterTime field is not a timestamp")
	}
	return bson.Timestamp{T: t, I: i}, nil
}

// newSessionUUID is a tiny, dependency-free UUIDv4 generator. A real
// deployment draws session ids from a server-session pool; this only needs
// to produce locally-unique identifiers for tests and for the single-process
// topology this package models.
func newSessionUUID() []byte {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which leaves nothing sensible to do but proceed with zeros; a
		// colliding session id is a correctness risk, not a security one,
		// for the purposes of this driver's own bookkeeping.
		return b
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return b
}
