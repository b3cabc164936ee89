// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the lsmmeta introspection commands, which talk to
// a running coordinator over rpc.
package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/lsmmeta"
	"github.com/cockroachdb/lsmmeta/rpc"
	"github.com/spf13/cobra"
)

// client is the subset of rpc.Client used by the tools.
type client interface {
	GetCurrentVersion(ctx context.Context) (*lsmmeta.Version, error)
	GetVersionByEpoch(ctx context.Context, e lsmmeta.Epoch) (*lsmmeta.Version, error)
	GetNewObjectIDs(ctx context.Context, count uint32) (lsmmeta.IDRange, error)
	Metrics(ctx context.Context) (*lsmmeta.Metrics, error)
	Close() error
}

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command

	addr    string
	timeout time.Duration
	dial    func(ctx context.Context, addr string) (client, error)

	version *versionT
	alloc   *allocT
	metrics *cobra.Command
}

// New creates a new introspection tool.
func New() *T {
	t := &T{
		dial: func(ctx context.Context, addr string) (client, error) {
			return rpc.Dial(ctx, addr, rpc.ClientOptions{Addr: "lsmmeta-tool"})
		},
	}
	t.version = newVersion(t)
	t.alloc = newAlloc(t)
	t.metrics = &cobra.Command{
		Use:   "metrics",
		Short: "print coordinator metrics",
		Args:  cobra.NoArgs,
		RunE:  t.runMetrics,
	}
	t.Commands = []*cobra.Command{
		t.version.Root,
		t.alloc.Root,
		t.metrics,
	}
	for _, cmd := range t.Commands {
		cmd.Flags().StringVar(&t.addr, "addr", "http://localhost:7070", "coordinator address")
		cmd.Flags().DurationVar(&t.timeout, "timeout", 10*time.Second, "request timeout")
	}
	return t
}

// withClient dials the coordinator and runs fn with a context bounded by
// the configured timeout.
func (t *T) withClient(fn func(ctx context.Context, c client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	c, err := t.dial(ctx, t.addr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func (t *T) runMetrics(cmd *cobra.Command, _ []string) error {
	return t.withClient(func(ctx context.Context, c client) error {
		m, err := c.Metrics(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), m.String())
		return nil
	})
}
