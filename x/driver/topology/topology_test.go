// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/assert"
)

func TestTopologySelectServerPrefersPrimary(t *testing.T) {
	t.Parallel()

	secondary := NewServer(&fakeRoundTripper{}, 17, KindReplSetSecondary, false, nil)
	primary := NewServer(&fakeRoundTripper{}, 17, KindReplSetPrimary, false, nil)

	topo := New(false, true, nil, secondary, primary)

	selected, err := topo.SelectServer(context.Background(), PrimaryPreferred)
	assert.NoError(t, err, "SelectServer returned error: %v", err)
	assert.Equal(t, primary, selected, "expected primary to be selected")
}

func TestTopologySelectServerFallsBackWhenNoPrimary(t *testing.T) {
	t.Parallel()

	secondary := NewServer(&fakeRoundTripper{}, 17, KindReplSetSecondary, false, nil)
	topo := New(false, true, nil, secondary)

	selected, err := topo.SelectServer(context.Background(), PrimaryPreferred)
	assert.NoError(t, err, "SelectServer returned error: %v", err)
	assert.Equal(t, secondary, selected, "expected the only server to be selected")
}

func TestTopologySelectServerNoneConnected(t *testing.T) {
	t.Parallel()

	topo := New(false, true, nil)
	_, err := topo.SelectServer(context.Background(), PrimaryPreferred)
	assert.Equal(t, ErrNoServerSelected, err, "expected ErrNoServerSelected, got %v", err)
}

func TestTopologySelectServerDisconnected(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeRoundTripper{}, 17, KindReplSetPrimary, false, nil)
	topo := New(false, true, nil, srv)
	topo.SetConnected(false)

	_, err := topo.SelectServer(context.Background(), PrimaryPreferred)
	assert.Equal(t, ErrNoServerSelected, err, "expected ErrNoServerSelected once disconnected")
	assert.False(t, topo.IsConnected(), "expected IsConnected to report false")
}

func TestTopologyStartSessionRequiresSupport(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeRoundTripper{}, 17, KindReplSetPrimary, false, nil)
	topo := New(false, false, nil, srv)

	_, err := topo.StartSession(SessionOptions{})
	assert.NotNil(t, err, "expected an error when the deployment has no session support")
}

func TestTopologyStartSessionImplicitVsExplicit(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeRoundTripper{}, 17, KindReplSetPrimary, false, nil)
	topo := New(false, true, nil, srv)

	implicit, err := topo.StartSession(SessionOptions{})
	assert.NoError(t, err, "StartSession returned error: %v", err)
	assert.NotNil(t, implicit.ID.Data, "expected a session id to be generated")

	explicit, err := topo.StartSession(SessionOptions{Explicit: true})
	assert.NoError(t, err, "StartSession returned error: %v", err)
	assert.NotEqual(t, implicit.ID.Data, explicit.ID.Data, "expected distinct session ids")
}

func TestTopologyAdvanceClusterTimeKeepsNewest(t *testing.T) {
	t.Parallel()

	topo := New(false, true, nil)

	older := mustMarshal(t, bson.D{{Key: "clusterTime", Value: bson.Timestamp{T: 10, I: 1}}})
	newer := mustMarshal(t, bson.D{{Key: "clusterTime", Value: bson.Timestamp{T: 20, I: 1}}})

	topo.AdvanceClusterTime(older)
	assert.Equal(t, older, topo.ClusterTime(), "expected first observed clusterTime to stick")

	topo.AdvanceClusterTime(newer)
	assert.Equal(t, newer, topo.ClusterTime(), "expected newer clusterTime to replace older")

	topo.AdvanceClusterTime(older)
	assert.Equal(t, newer, topo.ClusterTime(), "expected an older clusterTime to be ignored")
}

func TestTopologyAddServerReconnects(t *testing.T) {
	t.Parallel()

	topo := New(false, true, nil)
	assert.False(t, topo.IsConnected(), "expected an empty topology to report disconnected")

	topo.AddServer(NewServer(&fakeRoundTripper{}, 17, KindReplSetPrimary, false, nil))
	assert.True(t, topo.IsConnected(), "expected topology to report connected after AddServer")
}
