// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package zkstore persists the coordinator's object id watermark in a
// ZooKeeper znode. The znode holds the watermark as 8 big-endian bytes and
// every update is a compare-and-set on the znode version.
package zkstore

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/go-zookeeper/zk"
)

// conn is the subset of *zk.Conn used by Store.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	State() zk.State
	Close()
}

// Store is a ZooKeeper-backed object id watermark store.
type Store struct {
	conn conn
	path string

	mu struct {
		sync.Mutex
		// version is the znode version observed by the last Get or Set, or
		// -1 before the first Load.
		version int32
	}
}

// Options configure Dial.
type Options struct {
	Servers        []string
	Path           string
	SessionTimeout time.Duration
	// ConnectTimeout bounds how long Dial waits for a session.
	ConnectTimeout time.Duration
}

// Dial connects to the ZooKeeper ensemble and waits for a session.
func Dial(ctx context.Context, o Options) (*Store, error) {
	if len(o.Servers) == 0 {
		return nil, errors.New("zkstore: no servers")
	}
	if o.Path == "" || !strings.HasPrefix(o.Path, "/") {
		return nil, errors.Newf("zkstore: invalid path %q", o.Path)
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = 5 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	c, _, err := zk.Connect(o.Servers, o.SessionTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}
	if err := waitConnected(ctx, c, o.ConnectTimeout); err != nil {
		c.Close()
		return nil, err
	}
	return newStore(c, o.Path), nil
}

func newStore(c conn, path string) *Store {
	s := &Store{conn: c, path: path}
	s.mu.version = -1
	return s
}

// Close closes the ZooKeeper session.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

// Load returns the persisted watermark, creating the znode (and its parents)
// holding 0 if it does not exist.
func (s *Store) Load(ctx context.Context) (base.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if i := strings.LastIndexByte(s.path, '/'); i > 0 {
		if err := s.ensurePath(s.path[:i]); err != nil {
			return 0, errors.Wrapf(err, "ensuring %s", s.path[:i])
		}
	}
	_, err := s.conn.Create(s.path, encode(0), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return 0, errors.Wrapf(err, "creating %s", s.path)
	}
	w, version, err := s.get()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.mu.version = version
	s.mu.Unlock()
	return w, nil
}

// Advance persists next if the znode still holds prev.
func (s *Store) Advance(ctx context.Context, prev, next base.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if next < prev {
		return errors.AssertionFailedf("watermark moving backwards from %d to %d", prev, next)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		stat, err := s.conn.Set(s.path, encode(next), s.mu.version)
		if err == nil {
			s.mu.version = stat.Version
			return nil
		}
		if !errors.Is(err, zk.ErrBadVersion) {
			return errors.Wrapf(err, "setting %s", s.path)
		}
		// Our cached znode version is stale. That is harmless if the value
		// still matches prev; any other value means another coordinator is
		// writing the watermark.
		w, version, err := s.get()
		if err != nil {
			return err
		}
		if w != prev {
			return errors.Newf("watermark at %s is %d, expected %d", s.path, w, prev)
		}
		s.mu.version = version
	}
}

func (s *Store) get() (base.ObjectID, int32, error) {
	data, stat, err := s.conn.Get(s.path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "reading %s", s.path)
	}
	w, err := decode(data)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "reading %s", s.path)
	}
	return w, stat.Version, nil
}

func (s *Store) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func waitConnected(ctx context.Context, c conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := c.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf("zk: not connected after %s, state=%s", timeout, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func encode(w base.ObjectID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(w))
}

func decode(data []byte) (base.ObjectID, error) {
	if len(data) != 8 {
		return 0, errors.Newf("malformed watermark of %d bytes", len(data))
	}
	return base.ObjectID(binary.BigEndian.Uint64(data)), nil
}
