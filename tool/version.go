// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/lsmmeta"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// versionT implements the version introspection command.
type versionT struct {
	Root *cobra.Command

	t       *T
	epoch   uint64
	verbose bool
}

func newVersion(t *T) *versionT {
	v := &versionT{t: t}
	v.Root = &cobra.Command{
		Use:   "version",
		Short: "print the current version",
		Long: `
Print the files of every compaction group of the current version, or of the
oldest retained version covering --epoch.
`,
		Args: cobra.NoArgs,
		RunE: v.run,
	}
	v.Root.Flags().Uint64Var(&v.epoch, "epoch", 0, "print the version covering this epoch")
	v.Root.Flags().BoolVarP(&v.verbose, "verbose", "v", false, "list every file")
	return v
}

func (v *versionT) run(cmd *cobra.Command, _ []string) error {
	return v.t.withClient(func(ctx context.Context, c client) error {
		var ver *lsmmeta.Version
		var err error
		if v.epoch > 0 {
			ver, err = c.GetVersionByEpoch(ctx, lsmmeta.Epoch(v.epoch))
		} else {
			ver, err = c.GetCurrentVersion(ctx)
		}
		if err != nil {
			return err
		}
		formatVersion(cmd.OutOrStdout(), ver, v.verbose)
		return nil
	})
}

// formatVersion renders a per-level summary of every group, followed by the
// file list when verbose is set.
func formatVersion(w io.Writer, v *lsmmeta.Version, verbose bool) {
	fmt.Fprintf(w, "%s  max committed epoch %d  %d tables\n", v.ID, v.MaxCommittedEpoch, len(v.Tables))

	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Group", "Level", "Files", "Size", "Stale keys"})
	for _, gid := range v.GroupIDs() {
		stats := v.GroupStats(gid)
		for level, ls := range stats.Levels {
			if ls.NumFiles == 0 {
				continue
			}
			tbl.Append([]string{
				gid.String(),
				fmt.Sprintf("L%d", level),
				fmt.Sprint(ls.NumFiles),
				string(crhumanize.Bytes(ls.Size, crhumanize.Compact, crhumanize.OmitI)),
				fmt.Sprintf("%.1f%%", 100*ls.TombstoneRatio()),
			})
		}
	}
	tbl.Render()
	if !verbose {
		return
	}

	files := tablewriter.NewWriter(w)
	files.SetHeader([]string{"Group", "Level", "Object", "Size", "Key range", "Tables", "Epochs"})
	for _, gid := range v.GroupIDs() {
		g := v.Group(gid)
		for level := range g.Levels {
			for _, f := range g.Levels[level].Files {
				files.Append(fileRow(gid, level, f))
			}
		}
	}
	files.Render()
}

func fileRow(gid lsmmeta.GroupID, level int, f *manifest.SSTableInfo) []string {
	tables := make([]string, len(f.TableIDs))
	for i, id := range f.TableIDs {
		tables[i] = id.String()
	}
	return []string{
		gid.String(),
		fmt.Sprintf("L%d", level),
		f.ObjectID.String(),
		string(crhumanize.Bytes(f.FileSize, crhumanize.Compact, crhumanize.OmitI)),
		f.KeyRange.String(),
		strings.Join(tables, ","),
		fmt.Sprintf("%d-%d", f.MinEpoch, f.MaxEpoch),
	}
}

// allocT implements the object id allocation command.
type allocT struct {
	Root *cobra.Command

	t     *T
	count uint32
}

func newAlloc(t *T) *allocT {
	a := &allocT{t: t}
	a.Root = &cobra.Command{
		Use:   "alloc",
		Short: "allocate object ids",
		Args:  cobra.NoArgs,
		RunE:  a.run,
	}
	a.Root.Flags().Uint32Var(&a.count, "count", 1, "number of ids to allocate")
	return a
}

func (a *allocT) run(cmd *cobra.Command, _ []string) error {
	return a.t.withClient(func(ctx context.Context, c client) error {
		r, err := c.GetNewObjectIDs(ctx, a.count)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d ids)\n", r, r.Len())
		return nil
	})
}
