// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/redact"
	"github.com/zhangyunhao116/skipmap"
)

// ContextKind distinguishes readers from compactor workers.
type ContextKind uint8

const (
	// ContextKindReader is a client that pins versions and snapshots.
	ContextKindReader ContextKind = iota
	// ContextKindCompactor is a worker that executes compaction tasks.
	ContextKindCompactor
)

// SafeFormat implements redact.SafeFormatter.
func (k ContextKind) SafeFormat(w redact.SafePrinter, _ rune) {
	switch k {
	case ContextKindReader:
		w.SafeString("reader")
	case ContextKindCompactor:
		w.SafeString("compactor")
	default:
		w.Printf("kind(%d)", redact.SafeUint(k))
	}
}

// String implements fmt.Stringer.
func (k ContextKind) String() string { return redact.StringWithoutMarkers(k) }

// Context is the identity of a registered reader or compactor worker. Every
// pin and every dispatched task is owned by a Context. Contexts are passed
// explicitly to each call; the coordinator holds no notion of a "current"
// worker.
type Context struct {
	ID           ContextID
	Kind         ContextKind
	Addr         string
	RegisteredAt time.Time
}

// SafeFormat implements redact.SafeFormatter.
func (c *Context) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s(%s %s)", c.ID, c.Kind, c.Addr)
}

// String implements fmt.Stringer.
func (c *Context) String() string { return redact.StringWithoutMarkers(c) }

// contextRegistry tracks live contexts. Lookups happen on every API call and
// are lock-free.
type contextRegistry struct {
	nextID   atomic.Uint32
	contexts *skipmap.FuncMap[ContextID, *Context]
}

func newContextRegistry() *contextRegistry {
	return &contextRegistry{
		contexts: skipmap.NewFunc[ContextID, *Context](func(a, b ContextID) bool {
			return a < b
		}),
	}
}

func (r *contextRegistry) register(kind ContextKind, addr string) *Context {
	c := &Context{
		ID:           ContextID(r.nextID.Add(1)),
		Kind:         kind,
		Addr:         addr,
		RegisteredAt: time.Now(),
	}
	r.contexts.Store(c.ID, c)
	return c
}

func (r *contextRegistry) get(id ContextID) (*Context, error) {
	c, ok := r.contexts.Load(id)
	if !ok {
		return nil, errors.Mark(errors.Newf("%s is not registered", id), base.ErrUnknownContext)
	}
	return c, nil
}

// remove unregisters the context, returning false if it was not registered.
func (r *contextRegistry) remove(id ContextID) (*Context, bool) {
	return r.contexts.LoadAndDelete(id)
}

// list returns the live contexts in id order.
func (r *contextRegistry) list() []*Context {
	var out []*Context
	r.contexts.Range(func(_ ContextID, c *Context) bool {
		out = append(out, c)
		return true
	})
	return out
}

func (r *contextRegistry) len() int { return r.contexts.Len() }
