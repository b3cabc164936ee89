// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
)

var errCorruptDelta = errors.New("lsmmeta: corrupt version delta")

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Tags for the version delta encoding. Each record is a uvarint tag followed
// by the tag's fields.
const (
	tagVersionID         = 1
	tagPrevVersionID     = 2
	tagMaxCommittedEpoch = 3
	tagGroup             = 4
	tagDeletedFile       = 5
	tagNewFile           = 6
	tagNewTable          = 7
	tagTableEpoch        = 8
	tagRemovedTable      = 9
	tagWatermarks        = 10
	tagChangeLogDelta    = 11
)

// Encode writes the delta to w. Maps are written in key order so equal deltas
// produce equal encodings.
func (d *VersionDelta) Encode(w io.Writer) error {
	e := deltaEncoder{new(bytes.Buffer)}
	e.writeTagged(tagVersionID, uint64(d.ID))
	if d.PrevID != 0 {
		e.writeTagged(tagPrevVersionID, uint64(d.PrevID))
	}
	if d.MaxCommittedEpoch != 0 {
		e.writeTagged(tagMaxCommittedEpoch, uint64(d.MaxCommittedEpoch))
	}
	for _, gid := range slices.Sorted(maps.Keys(d.GroupDeltas)) {
		gd := d.GroupDeltas[gid]
		// A group record precedes the group's files so that groups without
		// file changes survive a round trip.
		e.writeTagged(tagGroup, uint64(gid))
		for _, df := range gd.DeletedFiles {
			e.writeUvarint(tagDeletedFile)
			e.writeUvarint(uint64(gid))
			e.writeUvarint(uint64(df.Level))
			e.writeUvarint(uint64(df.ObjectID))
		}
		for _, nf := range gd.NewFiles {
			e.writeUvarint(tagNewFile)
			e.writeUvarint(uint64(gid))
			e.writeUvarint(uint64(nf.Level))
			e.writeSST(nf.Info)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(d.NewTables)) {
		e.writeUvarint(tagNewTable)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(d.NewTables[id]))
	}
	for _, id := range slices.Sorted(maps.Keys(d.TableCommittedEpochs)) {
		e.writeUvarint(tagTableEpoch)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(d.TableCommittedEpochs[id]))
	}
	for _, id := range d.RemovedTables {
		e.writeTagged(tagRemovedTable, uint64(id))
	}
	for _, id := range slices.Sorted(maps.Keys(d.Watermarks)) {
		wm := d.Watermarks[id]
		e.writeUvarint(tagWatermarks)
		e.writeUvarint(uint64(id))
		e.writeUvarint(uint64(wm.Direction))
		e.writeUvarint(uint64(len(wm.Epochs)))
		for _, ew := range wm.Epochs {
			e.writeUvarint(uint64(ew.Epoch))
			e.writeUvarint(uint64(len(ew.Watermarks)))
			for _, vw := range ew.Watermarks {
				e.writeUvarint(uint64(len(vw.Vnodes)))
				for _, vn := range vw.Vnodes {
					e.writeUvarint(uint64(vn))
				}
				e.writeBytes(vw.Key)
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(d.ChangeLogDeltas)) {
		for _, cd := range d.ChangeLogDeltas[id] {
			e.writeUvarint(tagChangeLogDelta)
			e.writeUvarint(uint64(id))
			e.writeUvarint(uint64(cd.TruncateEpoch))
			e.writeUvarint(uint64(len(cd.NewLog.Epochs)))
			for _, ep := range cd.NewLog.Epochs {
				e.writeUvarint(uint64(ep))
			}
			e.writeSSTs(cd.NewLog.NewValue)
			e.writeSSTs(cd.NewLog.OldValue)
		}
	}
	_, err := w.Write(e.Bytes())
	return err
}

// Decode decodes a delta from r, which must contain exactly one encoded
// delta.
func (d *VersionDelta) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	dec := deltaDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagVersionID:
			n, err := dec.readUvarint()
			if err != nil {
				return err
			}
			d.ID = base.VersionID(n)

		case tagPrevVersionID:
			n, err := dec.readUvarint()
			if err != nil {
				return err
			}
			d.PrevID = base.VersionID(n)

		case tagMaxCommittedEpoch:
			n, err := dec.readUvarint()
			if err != nil {
				return err
			}
			d.MaxCommittedEpoch = base.Epoch(n)

		case tagGroup:
			n, err := dec.readUvarint()
			if err != nil {
				return err
			}
			d.Group(base.GroupID(n))

		case tagDeletedFile:
			gid, err := dec.readUvarint()
			if err != nil {
				return err
			}
			level, err := dec.readLevel()
			if err != nil {
				return err
			}
			id, err := dec.readUvarint()
			if err != nil {
				return err
			}
			gd := d.Group(base.GroupID(gid))
			gd.DeletedFiles = append(gd.DeletedFiles, DeletedFileEntry{Level: level, ObjectID: base.ObjectID(id)})

		case tagNewFile:
			gid, err := dec.readUvarint()
			if err != nil {
				return err
			}
			level, err := dec.readLevel()
			if err != nil {
				return err
			}
			sst, err := dec.readSST()
			if err != nil {
				return err
			}
			gd := d.Group(base.GroupID(gid))
			gd.NewFiles = append(gd.NewFiles, NewFileEntry{Level: level, Info: sst})

		case tagNewTable:
			id, err := dec.readUvarint()
			if err != nil {
				return err
			}
			gid, err := dec.readUvarint()
			if err != nil {
				return err
			}
			if d.NewTables == nil {
				d.NewTables = map[base.TableID]base.GroupID{}
			}
			d.NewTables[base.TableID(id)] = base.GroupID(gid)

		case tagTableEpoch:
			id, err := dec.readUvarint()
			if err != nil {
				return err
			}
			epoch, err := dec.readUvarint()
			if err != nil {
				return err
			}
			if d.TableCommittedEpochs == nil {
				d.TableCommittedEpochs = map[base.TableID]base.Epoch{}
			}
			d.TableCommittedEpochs[base.TableID(id)] = base.Epoch(epoch)

		case tagRemovedTable:
			id, err := dec.readUvarint()
			if err != nil {
				return err
			}
			d.RemovedTables = append(d.RemovedTables, base.TableID(id))

		case tagWatermarks:
			id, wm, err := dec.readWatermarks()
			if err != nil {
				return err
			}
			if d.Watermarks == nil {
				d.Watermarks = map[base.TableID]*TableWatermarks{}
			}
			d.Watermarks[id] = wm

		case tagChangeLogDelta:
			id, cd, err := dec.readChangeLogDelta()
			if err != nil {
				return err
			}
			if d.ChangeLogDeltas == nil {
				d.ChangeLogDeltas = map[base.TableID][]*ChangeLogDelta{}
			}
			d.ChangeLogDeltas[id] = append(d.ChangeLogDeltas[id], cd)

		default:
			return errors.Mark(errors.Newf("unknown tag %d", tag), errCorruptDelta)
		}
	}
}

type deltaEncoder struct {
	*bytes.Buffer
}

func (e deltaEncoder) writeTagged(tag, u uint64) {
	e.writeUvarint(tag)
	e.writeUvarint(u)
}

func (e deltaEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

func (e deltaEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e deltaEncoder) writeSST(s *SSTableInfo) {
	e.writeUvarint(uint64(s.ObjectID))
	e.writeUvarint(s.FileSize)
	e.writeBytes(s.KeyRange.Left)
	e.writeBytes(s.KeyRange.Right)
	if s.KeyRange.RightExclusive {
		e.writeUvarint(1)
	} else {
		e.writeUvarint(0)
	}
	e.writeUvarint(uint64(len(s.TableIDs)))
	for _, t := range s.TableIDs {
		e.writeUvarint(uint64(t))
	}
	e.writeUvarint(uint64(s.MinEpoch))
	e.writeUvarint(uint64(s.MaxEpoch))
	e.writeUvarint(s.TotalKeyCount)
	e.writeUvarint(s.StaleKeyCount)
}

func (e deltaEncoder) writeSSTs(files []*SSTableInfo) {
	e.writeUvarint(uint64(len(files)))
	for _, f := range files {
		e.writeSST(f)
	}
}

type deltaDecoder struct {
	byteReader
}

func (d deltaDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF {
			return 0, errCorruptDelta
		}
		return 0, err
	}
	return u, nil
}

func (d deltaDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptDelta
	}
	return int(u), nil
}

// readCount reads a length prefix, bounding it to guard allocations against
// corrupt input.
func (d deltaDecoder) readCount() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u > 1<<24 {
		return 0, errCorruptDelta
	}
	return int(u), nil
}

func (d deltaDecoder) readBytes() ([]byte, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(d, s); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errCorruptDelta
		}
		return nil, err
	}
	return s, nil
}

func (d deltaDecoder) readSST() (*SSTableInfo, error) {
	var s SSTableInfo
	var vals [2]uint64
	for i := range vals {
		u, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		vals[i] = u
	}
	s.ObjectID, s.FileSize = base.ObjectID(vals[0]), vals[1]
	var err error
	if s.KeyRange.Left, err = d.readBytes(); err != nil {
		return nil, err
	}
	if s.KeyRange.Right, err = d.readBytes(); err != nil {
		return nil, err
	}
	excl, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s.KeyRange.RightExclusive = excl == 1
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	s.TableIDs = make([]base.TableID, n)
	for i := range s.TableIDs {
		t, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		s.TableIDs[i] = base.TableID(t)
	}
	var tail [4]uint64
	for i := range tail {
		if tail[i], err = d.readUvarint(); err != nil {
			return nil, err
		}
	}
	s.MinEpoch, s.MaxEpoch = base.Epoch(tail[0]), base.Epoch(tail[1])
	s.TotalKeyCount, s.StaleKeyCount = tail[2], tail[3]
	return &s, nil
}

func (d deltaDecoder) readSSTs() ([]*SSTableInfo, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	files := make([]*SSTableInfo, n)
	for i := range files {
		if files[i], err = d.readSST(); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (d deltaDecoder) readWatermarks() (base.TableID, *TableWatermarks, error) {
	id, err := d.readUvarint()
	if err != nil {
		return 0, nil, err
	}
	dir, err := d.readUvarint()
	if err != nil {
		return 0, nil, err
	}
	wm := &TableWatermarks{Direction: WatermarkDirection(dir)}
	n, err := d.readCount()
	if err != nil {
		return 0, nil, err
	}
	wm.Epochs = make([]EpochWatermarks, n)
	for i := range wm.Epochs {
		ep, err := d.readUvarint()
		if err != nil {
			return 0, nil, err
		}
		wm.Epochs[i].Epoch = base.Epoch(ep)
		m, err := d.readCount()
		if err != nil {
			return 0, nil, err
		}
		wm.Epochs[i].Watermarks = make([]VnodeWatermark, m)
		for j := range wm.Epochs[i].Watermarks {
			vw := &wm.Epochs[i].Watermarks[j]
			k, err := d.readCount()
			if err != nil {
				return 0, nil, err
			}
			vw.Vnodes = make([]uint32, k)
			for x := range vw.Vnodes {
				vn, err := d.readUvarint()
				if err != nil {
					return 0, nil, err
				}
				vw.Vnodes[x] = uint32(vn)
			}
			if vw.Key, err = d.readBytes(); err != nil {
				return 0, nil, err
			}
		}
	}
	return base.TableID(id), wm, nil
}

func (d deltaDecoder) readChangeLogDelta() (base.TableID, *ChangeLogDelta, error) {
	id, err := d.readUvarint()
	if err != nil {
		return 0, nil, err
	}
	truncate, err := d.readUvarint()
	if err != nil {
		return 0, nil, err
	}
	cd := &ChangeLogDelta{TruncateEpoch: base.Epoch(truncate)}
	n, err := d.readCount()
	if err != nil {
		return 0, nil, err
	}
	cd.NewLog.Epochs = make([]base.Epoch, n)
	for i := range cd.NewLog.Epochs {
		ep, err := d.readUvarint()
		if err != nil {
			return 0, nil, err
		}
		cd.NewLog.Epochs[i] = base.Epoch(ep)
	}
	if cd.NewLog.NewValue, err = d.readSSTs(); err != nil {
		return 0, nil, err
	}
	if cd.NewLog.OldValue, err = d.readSSTs(); err != nil {
		return 0, nil, err
	}
	return base.TableID(id), cd, nil
}
