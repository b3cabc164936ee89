// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package zkstore

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/require"
)

// memConn is an in-memory conn with ZooKeeper's versioning semantics.
type memConn struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

type memNode struct {
	data    []byte
	version int32
}

func newMemConn() *memConn {
	return &memConn{nodes: map[string]*memNode{}}
}

func (c *memConn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

func (c *memConn) Create(path string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		if _, ok := c.nodes[path[:i]]; !ok {
			return "", zk.ErrNoNode
		}
	}
	c.nodes[path] = &memNode{data: append([]byte(nil), data...)}
	return path, nil
}

func (c *memConn) Get(path string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte(nil), n.data...), &zk.Stat{Version: n.version}, nil
}

func (c *memConn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return &zk.Stat{Version: n.version}, nil
}

func (c *memConn) State() zk.State { return zk.StateHasSession }
func (c *memConn) Close()          {}

func TestStoreLoadAdvance(t *testing.T) {
	ctx := context.Background()
	c := newMemConn()
	s := newStore(c, "/lsmmeta/cluster1/object_id")

	w, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, base.ObjectID(0), w)
	require.NoError(t, s.Advance(ctx, 0, 1))
	require.NoError(t, s.Advance(ctx, 1, 100))

	// A second store over the same znode sees the persisted watermark.
	s2 := newStore(c, "/lsmmeta/cluster1/object_id")
	w, err = s2.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, base.ObjectID(100), w)
}

func TestStoreConflict(t *testing.T) {
	ctx := context.Background()
	c := newMemConn()
	a := newStore(c, "/object_id")
	b := newStore(c, "/object_id")
	_, err := a.Load(ctx)
	require.NoError(t, err)
	_, err = b.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Advance(ctx, 0, 10))
	// b's znode version is stale and the value moved on.
	err = b.Advance(ctx, 0, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected 0")

	// b resyncs its znode version when the value still matches.
	require.NoError(t, b.Advance(ctx, 10, 20))
	w, err := a.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, base.ObjectID(20), w)
}

func TestStoreMalformed(t *testing.T) {
	ctx := context.Background()
	c := newMemConn()
	_, err := c.Create("/object_id", []byte("xyz"), 0, nil)
	require.NoError(t, err)
	_, err = newStore(c, "/object_id").Load(ctx)
	require.ErrorContains(t, err, "malformed watermark")
}

// TestStoreZooKeeper runs against a real ensemble named by
// LSMMETA_ZK_SERVERS (comma separated).
func TestStoreZooKeeper(t *testing.T) {
	servers := os.Getenv("LSMMETA_ZK_SERVERS")
	if servers == "" {
		t.Skip("LSMMETA_ZK_SERVERS not set")
	}
	ctx := context.Background()
	s, err := Dial(ctx, Options{
		Servers:        strings.Split(servers, ","),
		Path:           "/lsmmeta-test/" + time.Now().Format("20060102150405.000000000"),
		ConnectTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	defer s.Close()
	w, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, base.ObjectID(0), w)
	require.NoError(t, s.Advance(ctx, 0, 42))
	w, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, base.ObjectID(42), w)
}
