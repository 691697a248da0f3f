// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

// ServerKind is a coarse classification of a server's role in its
// deployment, used only for logging and for a handful of behavioral
// branches (e.g. "allChangesForCluster" semantics are requested by the
// caller, not derived from the server kind).
type ServerKind string

// Server kinds the change-stream engine cares about.
const (
	KindStandalone      ServerKind = "standalone"
	KindMongos          ServerKind = "mongos"
	KindReplSetPrimary  ServerKind = "replset-primary"
	KindReplSetSecondary ServerKind = "replset-secondary"
	KindLoadBalancer    ServerKind = "load-balancer"
)

// ReadPreference is a minimal stand-in for the real read-preference type;
// server selection logic (including read-preference-aware filtering) is an
// external collaborator (§1), so this only carries enough information for a
// test double or a future full implementation to key off of.
type ReadPreference struct {
	Mode string
	Tags map[string]string
}

// PrimaryPreferred is the default read preference a change stream initiates
// with when the caller specifies none.
var PrimaryPreferred = ReadPreference{Mode: "primaryPreferred"}
