// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/stretchr/testify/require"
)

// testSST returns a file descriptor for a single-epoch file.
func testSST(id ObjectID, keys string, size uint64, epoch Epoch, tables ...TableID) *SSTableInfo {
	l, r, _ := strings.Cut(keys, "-")
	return &SSTableInfo{
		ObjectID: id,
		FileSize: size,
		KeyRange: KeyRange{Left: []byte(l), Right: []byte(r)},
		TableIDs: tables,
		MinEpoch: epoch,
		MaxEpoch: epoch,
	}
}

// testReservedObjectIDs is the watermark test coordinators start from, so
// that descriptors built by hand with smaller ids count as allocated.
const testReservedObjectIDs = 1000

func newTestObjectIDStore() *MemObjectIDStore {
	return &MemObjectIDStore{watermark: testReservedObjectIDs}
}

func openTestCoordinator(t testing.TB, opts *Options) *Coordinator {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = base.NoopLogger{}
	}
	if opts.ObjectIDStore == nil {
		opts.ObjectIDStore = newTestObjectIDStore()
	}
	c, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func parseTableID(t *testing.T, s string) TableID {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "t"), 10, 32)
	require.NoError(t, err)
	return TableID(n)
}

func parseGroupID(t *testing.T, s string) GroupID {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "g"), 10, 64)
	require.NoError(t, err)
	return GroupID(n)
}

// parseCommitRequest parses lines of the form:
//
//	new <object-id> <left>-<right> <size> [<table>,<table>...]
//	old <object-id> <left>-<right> <size> [<table>,<table>...]
//	watermark <table> <epoch> <key> [desc]
func parseCommitRequest(t *testing.T, e Epoch, input string) *CommitEpochRequest {
	r := &CommitEpochRequest{Epoch: e}
	for _, line := range strings.Split(input, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "new", "old":
			require.GreaterOrEqual(t, len(fields), 4, "%s", line)
			id, err := strconv.ParseUint(fields[1], 10, 64)
			require.NoError(t, err)
			size, err := strconv.ParseUint(fields[3], 10, 64)
			require.NoError(t, err)
			var tables []TableID
			if len(fields) > 4 {
				for _, s := range strings.Split(fields[4], ",") {
					tables = append(tables, parseTableID(t, s))
				}
			}
			f := LocalSSTableInfo{Info: testSST(ObjectID(id), fields[2], size, e, tables...)}
			if fields[0] == "new" {
				r.UncommittedFiles = append(r.UncommittedFiles, f)
			} else {
				r.OldValueFiles = append(r.OldValueFiles, f)
			}
		case "watermark":
			require.GreaterOrEqual(t, len(fields), 4, "%s", line)
			tid := parseTableID(t, fields[1])
			we, err := strconv.ParseUint(fields[2], 10, 64)
			require.NoError(t, err)
			dir := WatermarkAscending
			if len(fields) > 4 && fields[4] == "desc" {
				dir = WatermarkDescending
			}
			if r.TableWatermarks == nil {
				r.TableWatermarks = map[TableID]*TableWatermarks{}
			}
			wm := r.TableWatermarks[tid]
			if wm == nil {
				wm = &TableWatermarks{Direction: dir}
				r.TableWatermarks[tid] = wm
			}
			wm.Epochs = append(wm.Epochs, EpochWatermarks{
				Epoch:      Epoch(we),
				Watermarks: []VnodeWatermark{{Vnodes: []uint32{0}, Key: []byte(fields[3])}},
			})
		default:
			t.Fatalf("unknown directive %q", fields[0])
		}
	}
	return r
}

func TestCommitEpoch(t *testing.T) {
	var c *Coordinator
	var deltaLog *MemDeltaLog
	var ids *MemObjectIDStore
	ctx := context.Background()

	datadriven.RunTest(t, "testdata/commit_epoch", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "open":
			if c != nil {
				require.NoError(t, c.Close())
			}
			deltaLog = NewMemDeltaLog()
			ids = newTestObjectIDStore()
			opts := &Options{Logger: base.NoopLogger{}, DeltaLog: deltaLog, ObjectIDStore: ids}
			for _, line := range strings.Split(td.Input, "\n") {
				fields := strings.Fields(line)
				if len(fields) != 2 {
					continue
				}
				if opts.InitialTables == nil {
					opts.InitialTables = map[TableID]GroupID{}
				}
				opts.InitialTables[parseTableID(t, fields[0])] = parseGroupID(t, fields[1])
			}
			var err error
			c, err = Open(ctx, opts)
			require.NoError(t, err)
			return c.CurrentVersion().DebugString()

		case "commit":
			var e int
			td.ScanArgs(t, "epoch", &e)
			r := parseCommitRequest(t, Epoch(e), td.Input)
			r.IsLogStore = td.HasArg("log-store")
			v, err := c.CommitEpoch(ctx, r)
			if err != nil {
				if IsRetryable(err) {
					return fmt.Sprintf("error (retryable): %v\n", err)
				}
				return fmt.Sprintf("error: %v\n", err)
			}
			return v.DebugString()

		case "unregister":
			var ids []TableID
			for _, arg := range td.CmdArgs {
				ids = append(ids, parseTableID(t, arg.Key))
			}
			v, err := c.UnregisterTables(ctx, ids)
			if err != nil {
				return fmt.Sprintf("error: %v\n", err)
			}
			return v.DebugString()

		case "fail-append":
			deltaLog.SetAppendError(errors.New("injected"))
			return ""

		case "clear-append-error":
			deltaLog.SetAppendError(nil)
			return ""

		case "reopen":
			// Replaying the delta log must rebuild the current version.
			want := c.CurrentVersion().DebugString()
			require.NoError(t, c.Close())
			var err error
			c, err = Open(ctx, &Options{Logger: base.NoopLogger{}, DeltaLog: deltaLog, ObjectIDStore: ids})
			require.NoError(t, err)
			got := c.CurrentVersion().DebugString()
			require.Equal(t, want, got)
			return got

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
	if c != nil {
		require.NoError(t, c.Close())
	}
}

func TestCommitEpochRetry(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{InitialTables: map[TableID]GroupID{1: StateDefaultGroup}})

	req := func(ids ...ObjectID) *CommitEpochRequest {
		r := &CommitEpochRequest{Epoch: 5}
		for _, id := range ids {
			r.UncommittedFiles = append(r.UncommittedFiles, LocalSSTableInfo{
				Info:       testSST(id, "a-b", 10, 5, 1),
				TableStats: map[TableID]TableStats{1: {KeySize: 1, ValueSize: 2, KeyCount: 3}},
			})
		}
		return r
	}

	v1, err := c.CommitEpoch(ctx, req(1, 2))
	require.NoError(t, err)
	require.Equal(t, Epoch(5), v1.MaxCommittedEpoch)

	// The same files in a different order are an identical retry.
	v2, err := c.CommitEpoch(ctx, req(2, 1))
	require.NoError(t, err)
	require.Same(t, v1, v2)
	stats, ok := c.TableStats(1)
	require.True(t, ok)
	require.Equal(t, TableStats{KeySize: 2, ValueSize: 4, KeyCount: 6}, stats)

	_, err = c.CommitEpoch(ctx, req(3))
	require.True(t, errors.Is(err, ErrInvalidEpoch), "%+v", err)
	_, err = c.CommitEpoch(ctx, &CommitEpochRequest{Epoch: 4})
	require.True(t, errors.Is(err, ErrInvalidEpoch), "%+v", err)
	require.Same(t, v1, c.CurrentVersion())
}

func TestCommitEpochPersistFailure(t *testing.T) {
	ctx := context.Background()
	deltaLog := NewMemDeltaLog()
	c := openTestCoordinator(t, &Options{
		DeltaLog:      deltaLog,
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
	})
	before := c.CurrentVersion()
	n := deltaLog.Len()

	deltaLog.SetAppendError(errors.New("disk on fire"))
	r := &CommitEpochRequest{
		Epoch:            1,
		UncommittedFiles: []LocalSSTableInfo{{Info: testSST(1, "a-b", 10, 1, 1)}},
	}
	_, err := c.CommitEpoch(ctx, r)
	require.True(t, errors.Is(err, ErrBackingStoreUnavailable), "%+v", err)
	require.True(t, IsRetryable(err))
	require.Same(t, before, c.CurrentVersion())
	require.Equal(t, n, deltaLog.Len())

	deltaLog.SetAppendError(nil)
	v, err := c.CommitEpoch(ctx, r)
	require.NoError(t, err)
	require.Equal(t, before.ID+1, v.ID)
	require.True(t, v.Contains(1))
}

func TestCommitFingerprint(t *testing.T) {
	a := &CommitEpochRequest{
		Epoch: 3,
		UncommittedFiles: []LocalSSTableInfo{
			{Info: testSST(1, "a-b", 10, 3, 2, 1)},
			{Info: testSST(2, "c-d", 10, 3, 1)},
		},
	}
	b := &CommitEpochRequest{
		Epoch: 3,
		UncommittedFiles: []LocalSSTableInfo{
			{Info: testSST(2, "c-d", 10, 3, 1)},
			{Info: testSST(1, "a-b", 10, 3, 1, 2)},
		},
	}
	require.Equal(t, a.fingerprint(), b.fingerprint())

	b.UncommittedFiles[0].Info.FileSize = 11
	require.NotEqual(t, a.fingerprint(), b.fingerprint())

	c := *a
	c.IsLogStore = true
	require.NotEqual(t, a.fingerprint(), c.fingerprint())

	d := *a
	d.TableWatermarks = map[TableID]*TableWatermarks{1: {Epochs: []EpochWatermarks{{Epoch: 3}}}}
	require.NotEqual(t, a.fingerprint(), d.fingerprint())
}

func TestBuildCommitDeltaTouchedTables(t *testing.T) {
	cur := manifest.NewVersion()
	r := &CommitEpochRequest{
		Epoch:            7,
		UncommittedFiles: []LocalSSTableInfo{{Info: testSST(1, "a-b", 10, 7, 4)}},
		OldValueFiles:    []LocalSSTableInfo{{Info: testSST(2, "a-b", 10, 7, 9)}},
	}
	// Old-value files only count when the commit is for a log store.
	require.Equal(t, []TableID{4}, r.touchedTables())
	d, err := buildCommitDelta(cur, r)
	require.NoError(t, err)
	require.Equal(t, map[TableID]GroupID{4: StateDefaultGroup}, d.NewTables)
	require.Nil(t, d.ChangeLogDeltas)

	r.IsLogStore = true
	require.Equal(t, []TableID{4, 9}, r.touchedTables())
	d, err = buildCommitDelta(cur, r)
	require.NoError(t, err)
	require.Equal(t, map[TableID]Epoch{4: 7, 9: 7}, d.TableCommittedEpochs)
	require.Len(t, d.ChangeLogDeltas, 2)
	require.Equal(t, ObjectID(2), d.ChangeLogDeltas[9][0].NewLog.OldValue[0].ObjectID)
	require.Empty(t, d.ChangeLogDeltas[9][0].NewLog.NewValue)
}

func TestCommitEpochRejectsMalformedRequest(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{InitialTables: map[TableID]GroupID{1: StateDefaultGroup}})
	before := commitFiles(t, c, 1, testSST(1, "a-b", 10, 1, 1))

	for _, tc := range []struct {
		name string
		req  *CommitEpochRequest
		err  string
	}{
		{
			name: "nil watermarks",
			req: &CommitEpochRequest{
				Epoch:            2,
				UncommittedFiles: []LocalSSTableInfo{{Info: testSST(2, "c-d", 10, 2, 1)}},
				TableWatermarks:  map[TableID]*TableWatermarks{1: nil},
			},
			err: "missing watermarks",
		},
		{
			name: "unordered watermarks",
			req: &CommitEpochRequest{
				Epoch: 2,
				TableWatermarks: map[TableID]*TableWatermarks{1: {
					Epochs: []manifest.EpochWatermarks{{Epoch: 2}, {Epoch: 1}},
				}},
			},
			err: "not ordered by epoch",
		},
		{
			name: "nil descriptor",
			req: &CommitEpochRequest{
				Epoch:            2,
				UncommittedFiles: []LocalSSTableInfo{{}},
			},
			err: "without descriptor",
		},
		{
			name: "inverted key range",
			req: &CommitEpochRequest{
				Epoch:            2,
				UncommittedFiles: []LocalSSTableInfo{{Info: testSST(2, "d-c", 10, 2, 1)}},
			},
			err: "inverted key range",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = c.CommitEpoch(ctx, tc.req) })
			require.ErrorContains(t, err, tc.err)
			require.Same(t, before, c.CurrentVersion())
		})
	}

	// A well-formed retry of the epoch still commits.
	v := commitFiles(t, c, 2, testSST(2, "c-d", 10, 2, 1))
	require.Equal(t, before.ID+1, v.ID)
}
