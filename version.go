// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import "github.com/cockroachdb/lsmmeta/internal/manifest"

// NumLevels is the number of levels of every compaction group.
const NumLevels = manifest.NumLevels

// Version exports the manifest.Version type.
type Version = manifest.Version

// VersionDelta exports the manifest.VersionDelta type.
type VersionDelta = manifest.VersionDelta

// GroupDelta exports the manifest.GroupDelta type.
type GroupDelta = manifest.GroupDelta

// NewFileEntry exports the manifest.NewFileEntry type.
type NewFileEntry = manifest.NewFileEntry

// DeletedFileEntry exports the manifest.DeletedFileEntry type.
type DeletedFileEntry = manifest.DeletedFileEntry

// SSTableInfo exports the manifest.SSTableInfo type.
type SSTableInfo = manifest.SSTableInfo

// KeyRange exports the manifest.KeyRange type.
type KeyRange = manifest.KeyRange

// TableWatermarks exports the manifest.TableWatermarks type.
type TableWatermarks = manifest.TableWatermarks

// EpochWatermarks exports the manifest.EpochWatermarks type.
type EpochWatermarks = manifest.EpochWatermarks

// VnodeWatermark exports the manifest.VnodeWatermark type.
type VnodeWatermark = manifest.VnodeWatermark

// ChangeLog exports the manifest.ChangeLog type.
type ChangeLog = manifest.ChangeLog

// GroupStats exports the manifest.GroupStats type.
type GroupStats = manifest.GroupStats

// Watermark directions.
const (
	WatermarkAscending  = manifest.WatermarkAscending
	WatermarkDescending = manifest.WatermarkDescending
)
