// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"sync"

	"github.com/cockroachdb/lsmmeta/internal/base"
)

// MetaClient is the interface through which storage nodes and compactor
// workers talk to the coordinator. Each client owns one reader context: the
// pins it takes are released when the client is closed.
type MetaClient interface {
	// PinVersion pins the current version and returns it.
	PinVersion(ctx context.Context) (*Version, error)
	// UnpinVersion releases every version pinned by the client.
	UnpinVersion(ctx context.Context) error
	// UnpinVersionBefore releases the client's pins on versions older than
	// id.
	UnpinVersionBefore(ctx context.Context, id VersionID) error
	GetCurrentVersion(ctx context.Context) (*Version, error)
	GetVersionByEpoch(ctx context.Context, e Epoch) (*Version, error)
	PinSnapshot(ctx context.Context) (Snapshot, error)
	GetSnapshot(ctx context.Context) (Snapshot, error)
	UnpinSnapshot(ctx context.Context) error
	UnpinSnapshotBefore(ctx context.Context, e Epoch) error
	// GetNewObjectIDs allocates count object ids.
	GetNewObjectIDs(ctx context.Context, count uint32) (IDRange, error)
	CommitEpoch(ctx context.Context, r *CommitEpochRequest) error
	TriggerManualCompaction(ctx context.Context, req ManualCompactionRequest) error
	// SubscribeCompactionEvents registers the caller as a compactor worker.
	// Closing the stream deregisters it.
	SubscribeCompactionEvents(ctx context.Context) (CompactionEventStream, error)
	// Close releases the client's context.
	Close() error
}

// CompactionEventStream is a worker's duplex channel to the coordinator: it
// receives dispatched tasks and sends reports.
type CompactionEventStream interface {
	// Recv blocks until a task is dispatched to the worker. It returns an
	// error marked ErrClosed once the stream has ended.
	Recv(ctx context.Context) (*CompactionTaskEvent, error)
	// Send reports the outcome of a task and waits for it to be applied.
	Send(ctx context.Context, ev *ReportTaskEvent) error
	// Close ends the stream. Tasks dispatched on it and not yet reported are
	// failed.
	Close() error
}

// DirectClient is a MetaClient calling an in-process Coordinator.
type DirectClient struct {
	c      *Coordinator
	self   *Context
	alloc  *ObjectIDAllocator
	addr   string
	closed sync.Once
}

var _ MetaClient = (*DirectClient)(nil)

// NewDirectClient registers a reader context for addr on c.
func NewDirectClient(c *Coordinator, addr string) (*DirectClient, error) {
	self, err := c.RegisterContext(ContextKindReader, addr)
	if err != nil {
		return nil, err
	}
	return &DirectClient{c: c, self: self, alloc: c.ObjectIDAllocator(), addr: addr}, nil
}

// WithObjectIDOffset makes GetNewObjectIDs shift every range by offset. The
// ids are drawn from the coordinator's watermark, so ranges handed to
// clients with different offsets are disjoint before shifting.
func (d *DirectClient) WithObjectIDOffset(offset uint64) *DirectClient {
	d.alloc = d.c.ObjectIDAllocator().WithOffset(offset)
	return d
}

// ContextID returns the client's reader context.
func (d *DirectClient) ContextID() ContextID { return d.self.ID }

// PinVersion implements MetaClient.
func (d *DirectClient) PinVersion(context.Context) (*Version, error) {
	return d.c.PinVersion(d.self.ID)
}

// UnpinVersion implements MetaClient.
func (d *DirectClient) UnpinVersion(context.Context) error {
	return d.c.UnpinVersion(d.self.ID)
}

// UnpinVersionBefore implements MetaClient.
func (d *DirectClient) UnpinVersionBefore(_ context.Context, id VersionID) error {
	return d.c.UnpinVersionBefore(d.self.ID, id)
}

// GetCurrentVersion implements MetaClient.
func (d *DirectClient) GetCurrentVersion(context.Context) (*Version, error) {
	if err := d.c.checkClosed(); err != nil {
		return nil, err
	}
	return d.c.CurrentVersion(), nil
}

// GetVersionByEpoch implements MetaClient.
func (d *DirectClient) GetVersionByEpoch(_ context.Context, e Epoch) (*Version, error) {
	return d.c.GetVersionByEpoch(e)
}

// PinSnapshot implements MetaClient.
func (d *DirectClient) PinSnapshot(context.Context) (Snapshot, error) {
	return d.c.PinSnapshot(d.self.ID)
}

// GetSnapshot implements MetaClient.
func (d *DirectClient) GetSnapshot(context.Context) (Snapshot, error) {
	if err := d.c.checkClosed(); err != nil {
		return Snapshot{}, err
	}
	return d.c.GetSnapshot(), nil
}

// UnpinSnapshot implements MetaClient.
func (d *DirectClient) UnpinSnapshot(context.Context) error {
	return d.c.UnpinSnapshot(d.self.ID)
}

// UnpinSnapshotBefore implements MetaClient.
func (d *DirectClient) UnpinSnapshotBefore(_ context.Context, e Epoch) error {
	return d.c.UnpinSnapshotBefore(d.self.ID, e)
}

// GetNewObjectIDs implements MetaClient.
func (d *DirectClient) GetNewObjectIDs(ctx context.Context, count uint32) (IDRange, error) {
	if err := d.c.checkClosed(); err != nil {
		return IDRange{}, err
	}
	return d.alloc.Allocate(ctx, count)
}

// CommitEpoch implements MetaClient.
func (d *DirectClient) CommitEpoch(ctx context.Context, r *CommitEpochRequest) error {
	_, err := d.c.CommitEpoch(ctx, r)
	return err
}

// TriggerManualCompaction implements MetaClient.
func (d *DirectClient) TriggerManualCompaction(_ context.Context, req ManualCompactionRequest) error {
	return d.c.TriggerManualCompaction(req)
}

// SubscribeCompactionEvents implements MetaClient.
func (d *DirectClient) SubscribeCompactionEvents(context.Context) (CompactionEventStream, error) {
	s, _, err := d.c.SubscribeCompactionEvents(d.addr)
	return s, err
}

// Close implements MetaClient. It releases the client's pins; streams
// obtained from the client stay open until closed themselves.
func (d *DirectClient) Close() error {
	err := base.ErrClosed
	d.closed.Do(func() {
		err = d.c.DeregisterContext(d.self.ID)
	})
	return err
}
