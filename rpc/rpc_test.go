// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*lsmmeta.Coordinator, *httptest.Server) {
	reg := prometheus.NewRegistry()
	c, err := lsmmeta.Open(context.Background(), &lsmmeta.Options{
		InitialTables:     map[lsmmeta.TableID]lsmmeta.GroupID{1: lsmmeta.StateDefaultGroup},
		Compaction:        lsmmeta.CompactionOptions{L0CompactionThreshold: 1},
		MetricsRegisterer: reg,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(c, ServerOptions{Gatherer: reg}).Handler())
	t.Cleanup(func() {
		_ = c.Close()
		ts.Close()
	})
	return c, ts
}

func sst(id lsmmeta.ObjectID, left, right string, epoch lsmmeta.Epoch) *manifest.SSTableInfo {
	return &manifest.SSTableInfo{
		ObjectID: id,
		FileSize: 100,
		KeyRange: manifest.KeyRange{Left: []byte(left), Right: []byte(right)},
		TableIDs: []lsmmeta.TableID{1},
		MinEpoch: epoch,
		MaxEpoch: epoch,
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, ts := startServer(t)

	cl, err := Dial(ctx, ts.URL, ClientOptions{Addr: "reader-1"})
	require.NoError(t, err)

	ids, err := cl.GetNewObjectIDs(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ids.Len())

	shifted, err := Dial(ctx, ts.URL, ClientOptions{Addr: "reader-2", ObjectIDOffset: 1000})
	require.NoError(t, err)
	defer shifted.Close()
	r, err := shifted.GetNewObjectIDs(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, ids.End+1000, r.Start)

	req := &lsmmeta.CommitEpochRequest{
		Epoch:            1,
		UncommittedFiles: []lsmmeta.LocalSSTableInfo{{Info: sst(ids.Start, "a", "c", 1)}},
	}
	require.NoError(t, cl.CommitEpoch(ctx, req))
	// An identical retry is accepted without change.
	require.NoError(t, cl.CommitEpoch(ctx, req))
	err = cl.CommitEpoch(ctx, &lsmmeta.CommitEpochRequest{
		Epoch:            1,
		UncommittedFiles: []lsmmeta.LocalSSTableInfo{{Info: sst(ids.Start+1, "d", "e", 1)}},
	})
	require.True(t, errors.Is(err, lsmmeta.ErrInvalidEpoch), "%v", err)

	v, err := cl.GetCurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, c.CurrentVersion().ID, v.ID)
	require.Equal(t, lsmmeta.Epoch(1), v.MaxCommittedEpoch)
	require.True(t, v.Contains(ids.Start))

	byEpoch, err := cl.GetVersionByEpoch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, v.ID, byEpoch.ID)

	pinned, err := cl.PinVersion(ctx)
	require.NoError(t, err)
	require.True(t, c.IsVersionPinned(pinned.ID))
	require.NoError(t, cl.UnpinVersion(ctx))
	require.False(t, c.IsVersionPinned(pinned.ID))

	snap, err := cl.PinSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, lsmmeta.Epoch(1), snap.CommittedEpoch)
	require.True(t, c.IsEpochPinned(1))
	require.NoError(t, cl.UnpinSnapshotBefore(ctx, 2))
	require.False(t, c.IsEpochPinned(1))

	got, err := cl.GetSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap, got)

	m, err := cl.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, v.ID, m.Version.ID)

	require.NoError(t, cl.Close())
	_, err = cl.GetSnapshot(ctx)
	require.True(t, errors.Is(err, lsmmeta.ErrClosed))
	require.Len(t, c.Contexts(), 1)
}

func TestUnknownContext(t *testing.T) {
	ctx := context.Background()
	_, ts := startServer(t)
	cl, err := Dial(ctx, ts.URL, ClientOptions{})
	require.NoError(t, err)
	cl.self = 9999
	_, err = cl.PinVersion(ctx)
	require.True(t, errors.Is(err, lsmmeta.ErrUnknownContext), "%v", err)
}

func TestCompactionStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, ts := startServer(t)

	cl, err := Dial(ctx, ts.URL, ClientOptions{})
	require.NoError(t, err)
	defer cl.Close()
	ids, err := cl.GetNewObjectIDs(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, cl.CommitEpoch(ctx, &lsmmeta.CommitEpochRequest{
		Epoch:            1,
		UncommittedFiles: []lsmmeta.LocalSSTableInfo{{Info: sst(ids.Start, "a", "c", 1)}},
	}))

	stream, err := cl.SubscribeCompactionEvents(ctx)
	require.NoError(t, err)
	ev, err := stream.Recv(ctx)
	require.NoError(t, err)
	task := ev.Task
	require.Equal(t, lsmmeta.TaskTypeDynamic, task.Type)
	require.Equal(t, []lsmmeta.ObjectID{ids.Start}, task.InputObjectIDs())
	require.Equal(t, 1, task.TargetLevel)

	report := &lsmmeta.ReportTaskEvent{
		TaskID:      task.ID,
		Status:      lsmmeta.TaskStatusSucceeded,
		OutputFiles: []*manifest.SSTableInfo{sst(ids.Start+1, "a", "c", 1)},
		TableStatsDelta: map[lsmmeta.TableID]lsmmeta.TableStats{
			1: {KeyCount: 10, KeySize: 100, ValueSize: 1000},
		},
	}
	require.NoError(t, stream.Send(ctx, report))
	loc, ok := c.CurrentVersion().Locate(ids.Start + 1)
	require.True(t, ok)
	require.Equal(t, 1, loc.Level)
	require.False(t, c.CurrentVersion().Contains(ids.Start))
	stats, ok := c.TableStats(1)
	require.True(t, ok)
	require.Equal(t, int64(10), stats.KeyCount)

	// A second report for the same task is rejected but the stream stays
	// open.
	err = stream.Send(ctx, report)
	require.True(t, errors.Is(err, lsmmeta.ErrStaleReport), "%v", err)
	err = stream.Send(ctx, &lsmmeta.ReportTaskEvent{TaskID: 12345, Status: lsmmeta.TaskStatusFailed})
	require.True(t, errors.Is(err, lsmmeta.ErrUnknownTask), "%v", err)

	require.NoError(t, stream.Close())
	require.Eventually(t, func() bool { return len(c.Contexts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = stream.Recv(ctx)
	require.True(t, errors.Is(err, lsmmeta.ErrClosed), "%v", err)
}

func TestPrometheusEndpoint(t *testing.T) {
	_, ts := startServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "lsmmeta_version_id")
	require.Contains(t, string(body), "lsmmeta_contexts")
}
