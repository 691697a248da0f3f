// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package streamdriver

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongostream/driver/internal/logger"
	"github.com/mongostream/driver/streamdriver/options"
	"github.com/mongostream/driver/x/driver"
	"github.com/mongostream/driver/x/driver/topology"
)

// Client is the cluster-scoped parent handle: it owns the topology view
// every Database and Collection beneath it selects a server from.
type Client struct {
	topo *topology.Topology
	pref topology.ReadPreference
	log  *logger.Logger
}

// NewClient wraps an already-constructed Topology. Connecting, handshaking,
// and service discovery themselves are external collaborators (§1); this
// only adds the parent-scope convenience layer on top.
func NewClient(topo *topology.Topology, log *logger.Logger) *Client {
	return &Client{topo: topo, pref: topology.PrimaryPreferred, log: log}
}

// Database returns a handle scoped to name.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// Watch subscribes to every change in the deployment.
func (c *Client) Watch(ctx context.Context, pipeline bson.A, opts ...*options.ChangeStreamOptions) (*ChangeStream, error) {
	return Watch(ctx, c.topo, ClusterScope(), pipeline, c.pref, c.log, opts...)
}

// Database is a database-scoped parent handle.
type Database struct {
	client *Client
	name   string
}

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// Collection returns a handle scoped to name within db.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// Watch subscribes to every change across every collection in db.
func (db *Database) Watch(ctx context.Context, pipeline bson.A, opts ...*options.ChangeStreamOptions) (*ChangeStream, error) {
	return Watch(ctx, db.client.topo, DatabaseScope(db.name), pipeline, db.client.pref, db.client.log, opts...)
}

// Collection is a collection-scoped parent handle.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (coll *Collection) Name() string { return coll.name }

// Watch subscribes to changes on this collection. Preferred over a raw
// aggregate with a manual $changeStream stage: this handles resumability
// the way the rest of the engine does.
func (coll *Collection) Watch(ctx context.Context, pipeline bson.A, opts ...*options.ChangeStreamOptions) (*ChangeStream, error) {
	ns := driver.Namespace{DB: coll.db.name, Collection: coll.name}
	return Watch(ctx, coll.db.client.topo, CollectionScope(ns), pipeline, coll.db.client.pref, coll.db.client.log, opts...)
}
