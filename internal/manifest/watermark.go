// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/redact"
)

// WatermarkDirection is the direction in which a table's watermark advances.
type WatermarkDirection uint8

const (
	// WatermarkAscending means keys below the watermark are reclaimable.
	WatermarkAscending WatermarkDirection = iota
	// WatermarkDescending means keys above the watermark are reclaimable.
	WatermarkDescending
)

// SafeFormat implements redact.SafeFormatter.
func (d WatermarkDirection) SafeFormat(w redact.SafePrinter, _ rune) {
	if d == WatermarkDescending {
		w.SafeString("desc")
		return
	}
	w.SafeString("asc")
}

// VnodeWatermark is a watermark key applying to a set of virtual nodes.
type VnodeWatermark struct {
	Vnodes []uint32 `json:"vnodes"`
	Key    []byte   `json:"key"`
}

// EpochWatermarks holds the watermarks written at an epoch.
type EpochWatermarks struct {
	Epoch      base.Epoch       `json:"epoch"`
	Watermarks []VnodeWatermark `json:"watermarks"`
}

// TableWatermarks is the watermark history of a table, ordered by epoch.
type TableWatermarks struct {
	Direction WatermarkDirection `json:"direction"`
	Epochs    []EpochWatermarks  `json:"epochs"`
}

// LatestEpoch returns the epoch of the newest entry, or 0 if there is none.
func (t *TableWatermarks) LatestEpoch() base.Epoch {
	if t == nil || len(t.Epochs) == 0 {
		return 0
	}
	return t.Epochs[len(t.Epochs)-1].Epoch
}

// Validate checks that the watermarks are well formed.
func (t *TableWatermarks) Validate() error {
	if t == nil {
		return errors.New("missing watermarks")
	}
	if t.Direction > WatermarkDescending {
		return errors.Newf("unknown watermark direction %d", t.Direction)
	}
	if !slices.IsSortedFunc(t.Epochs, cmpEpochWatermarks) {
		return errors.New("watermark entries are not ordered by epoch")
	}
	return nil
}

// merge returns a new TableWatermarks with the entries of d newer than the
// existing history appended. Entries at or below the latest existing epoch
// are skipped, which makes re-applying the same delta a no-op.
func (t *TableWatermarks) merge(d *TableWatermarks) (*TableWatermarks, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return &TableWatermarks{Direction: d.Direction, Epochs: slices.Clone(d.Epochs)}, nil
	}
	if t.Direction != d.Direction {
		return nil, errors.Newf("watermark direction changed from %s to %s",
			redact.Safe(t.Direction), redact.Safe(d.Direction))
	}
	c := &TableWatermarks{Direction: t.Direction, Epochs: slices.Clone(t.Epochs)}
	latest := t.LatestEpoch()
	for _, e := range d.Epochs {
		if e.Epoch <= latest {
			continue
		}
		c.Epochs = append(c.Epochs, e)
		latest = e.Epoch
	}
	return c, nil
}

func cmpEpochWatermarks(a, b EpochWatermarks) int {
	return cmp.Compare(a.Epoch, b.Epoch)
}
