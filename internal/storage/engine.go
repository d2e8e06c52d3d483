/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package storage provides the durable, partitioned store raftd's
consensus core commits through: the `raft_log` partition (one record
per log entry, keyed by big-endian index) and the `raft_restore`
partition (the single persistent-state record of §3, keyed
"raft_saved").

Engine Overview:
================

Each partition is a log-structured segment file: Put appends a
length-prefixed record and updates an in-memory index; Get/Scan read
only from the in-memory index (rebuilt by replaying the segment file
on Open). Sync fsyncs the segment file and is the only operation P1
requires to complete before a dependent reply is sent.

Payload values are LZ4-compressed before being appended
(github.com/pierrec/lz4/v4). Payloads at or above ValueSeparationThreshold
are instead written to a companion, snappy-compressed blob file and
referenced from the index by offset/length (large-value separation).
*/
package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	cerrors "raftd/internal/errors"
)

// Partition names (spec.md §6 "On-disk layout").
const (
	PartitionLog     = "raft_log"
	PartitionRestore = "raft_restore"
)

// RestoreKey is the single key stored in the raft_restore partition.
const RestoreKey = "raft_saved"

// ValueSeparationThreshold is the payload size, in bytes, at or above which a
// value is written to the companion blob file instead of inline in the
// segment file.
const ValueSeparationThreshold = 4096

const recordTombstone = 0x01

// record is one entry in a partition's in-memory index.
type record struct {
	inline     []byte // present when value is stored inline (compressed)
	blobOffset int64  // present when value is value-separated
	blobLen    int64
	separated  bool
}

// Partition is a single named key space within an Engine.
type Partition struct {
	name string

	mu    sync.Mutex
	index map[string]record
	keys  []string // kept sorted for Scan; rebuilt by rebuildKeys when the key set changes

	segFile  *os.File
	blobFile *os.File

	engine *Engine
}

// Engine owns a data directory holding the raft_log and raft_restore
// partitions plus the single-writer flock guard (spec.md §4.8).
type Engine struct {
	dataDir    string
	lockFile   *os.File
	partitions map[string]*Partition
	pool       *ioPool
	crypto     *cryptor // nil unless restore-partition encryption is enabled
}

// Config configures Engine.Open.
type Config struct {
	DataDir    string
	Encryption EncryptionConfig
}

// EncryptionConfig enables at-rest encryption of the raft_restore
// partition (current_term/voted_for).
type EncryptionConfig struct {
	Enabled    bool
	Passphrase string
}

// Open opens (creating if needed) the two-partition store rooted at
// cfg.DataDir, taking an exclusive flock on the directory for the
// lifetime of the returned Engine.
func Open(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, cerrors.IOError("mkdir data_dir", err)
	}

	lockPath := filepath.Join(cfg.DataDir, ".lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, cerrors.IOError("open lock file", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, cerrors.AlreadyLocked(cfg.DataDir)
	}

	e := &Engine{
		dataDir:    cfg.DataDir,
		lockFile:   lf,
		partitions: make(map[string]*Partition),
		pool:       newIOPool(defaultIOPoolConfig()),
	}

	if cfg.Encryption.Enabled {
		c, err := newCryptor(cfg.Encryption.Passphrase)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.crypto = c
	}

	for _, name := range []string{PartitionLog, PartitionRestore} {
		p, err := e.openPartition(name)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.partitions[name] = p
	}

	return e, nil
}

// Partition returns the named partition, or nil if it does not exist
// (only PartitionLog and PartitionRestore are ever created).
func (e *Engine) Partition(name string) *Partition {
	return e.partitions[name]
}

// Sync flushes and fsyncs every partition's segment (and blob, if any)
// file. This is the operation P1 requires before any dependent reply.
func (e *Engine) Sync() error {
	return e.pool.submitSync(func() error {
		for _, p := range e.partitions {
			if err := p.sync(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the directory lock and closes all partition files.
func (e *Engine) Close() error {
	for _, p := range e.partitions {
		p.segFile.Close()
		if p.blobFile != nil {
			p.blobFile.Close()
		}
	}
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
	if e.lockFile != nil {
		unix.Flock(int(e.lockFile.Fd()), unix.LOCK_UN)
		e.lockFile.Close()
		os.Remove(filepath.Join(e.dataDir, ".lock"))
		e.lockFile = nil
	}
	return nil
}

func (e *Engine) openPartition(name string) (*Partition, error) {
	segPath := filepath.Join(e.dataDir, name+".seg")
	segFile, err := os.OpenFile(segPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, cerrors.IOError(fmt.Sprintf("open partition %q", name), err)
	}

	blobPath := filepath.Join(e.dataDir, name+".blob")
	blobFile, err := os.OpenFile(blobPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		segFile.Close()
		return nil, cerrors.IOError(fmt.Sprintf("open partition %q blob file", name), err)
	}

	p := &Partition{
		name:     name,
		index:    make(map[string]record),
		segFile:  segFile,
		blobFile: blobFile,
		engine:   e,
	}
	if err := p.replay(); err != nil {
		segFile.Close()
		blobFile.Close()
		return nil, err
	}
	return p, nil
}

// segment record layout (all fields fixed-width, big-endian):
//
//	flags(1) keyLen(4) key(keyLen) valLen(4) val(valLen)
//
// A tombstone record (flags bit 0 set) carries an empty value and
// deletes the key from the index on replay.
func (p *Partition) replay() error {
	r := bufio.NewReader(p.segFile)
	for {
		var flags [1]byte
		if _, err := io.ReadFull(r, flags[:]); err != nil {
			if err == io.EOF {
				break
			}
			return cerrors.Corrupted(p.name, err.Error())
		}

		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return cerrors.Corrupted(p.name, "truncated key length")
		}
		keyLen := binary.BigEndian.Uint32(lenBuf[:])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return cerrors.Corrupted(p.name, "truncated key")
		}

		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return cerrors.Corrupted(p.name, "truncated value length")
		}
		valLen := binary.BigEndian.Uint32(lenBuf[:])
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return cerrors.Corrupted(p.name, "truncated value")
		}

		if flags[0]&recordTombstone != 0 {
			delete(p.index, string(key))
			continue
		}
		rec, err := decodeRecord(val)
		if err != nil {
			return err
		}
		p.index[string(key)] = rec
	}
	p.rebuildKeys()
	return nil
}

// inlineTag/separatedTag distinguish an inline-compressed value from a
// value-separated reference inside the on-disk record payload.
const (
	inlineTag    byte = 0
	separatedTag byte = 1
)

func encodeRecord(rec record) []byte {
	if !rec.separated {
		out := make([]byte, 1+len(rec.inline))
		out[0] = inlineTag
		copy(out[1:], rec.inline)
		return out
	}
	out := make([]byte, 1+16)
	out[0] = separatedTag
	binary.BigEndian.PutUint64(out[1:9], uint64(rec.blobOffset))
	binary.BigEndian.PutUint64(out[9:17], uint64(rec.blobLen))
	return out
}

func decodeRecord(data []byte) (record, error) {
	if len(data) == 0 {
		return record{}, cerrors.ProtocolError("empty record payload")
	}
	switch data[0] {
	case inlineTag:
		return record{inline: append([]byte(nil), data[1:]...)}, nil
	case separatedTag:
		if len(data) < 17 {
			return record{}, cerrors.ProtocolError("truncated value-separated reference")
		}
		return record{
			separated:  true,
			blobOffset: int64(binary.BigEndian.Uint64(data[1:9])),
			blobLen:    int64(binary.BigEndian.Uint64(data[9:17])),
		}, nil
	default:
		return record{}, cerrors.ProtocolError("unknown record tag")
	}
}

func (p *Partition) rebuildKeys() {
	p.keys = p.keys[:0]
	for k := range p.index {
		p.keys = append(p.keys, k)
	}
	sort.Strings(p.keys)
}

// Get returns the decompressed value stored at key, or
// cerrors.KeyNotFound if absent.
func (p *Partition) Get(key []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(key)
}

func (p *Partition) getLocked(key []byte) ([]byte, error) {
	rec, ok := p.index[string(key)]
	if !ok {
		return nil, cerrors.KeyNotFound(p.name)
	}
	val, err := p.resolve(rec)
	if err != nil {
		return nil, err
	}
	if p.name == PartitionRestore && p.engine != nil && p.engine.crypto != nil {
		return p.engine.crypto.open(val)
	}
	return val, nil
}

func (p *Partition) resolve(rec record) ([]byte, error) {
	if !rec.separated {
		out := make([]byte, 0, len(rec.inline))
		return lz4Decompress(rec.inline, out)
	}
	buf := make([]byte, rec.blobLen)
	if _, err := p.blobFile.ReadAt(buf, rec.blobOffset); err != nil {
		return nil, cerrors.IOError("read value-separated blob", err)
	}
	return snappy.Decode(nil, buf)
}

// Put writes value at key, compressing and (for large payloads) value
// separating it, then appending the record to the segment file. Put
// does not itself fsync; callers needing P1 durability must call
// Engine.Sync afterward.
func (p *Partition) Put(key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.name == PartitionRestore && p.engine != nil && p.engine.crypto != nil {
		sealed, err := p.engine.crypto.seal(value)
		if err != nil {
			return err
		}
		value = sealed
	}

	var rec record
	if len(value) >= ValueSeparationThreshold {
		compressed := snappy.Encode(nil, value)
		off, err := p.blobFile.Seek(0, io.SeekEnd)
		if err != nil {
			return cerrors.IOError("seek blob file", err)
		}
		if _, err := p.blobFile.Write(compressed); err != nil {
			return cerrors.IOError("append blob", err)
		}
		rec = record{separated: true, blobOffset: off, blobLen: int64(len(compressed))}
	} else {
		rec = record{inline: lz4Compress(value)}
	}

	if err := p.appendSegment(key, encodeRecord(rec), false); err != nil {
		return err
	}
	_, existed := p.index[string(key)]
	p.index[string(key)] = rec
	if !existed {
		p.rebuildKeys()
	}
	return nil
}

// Delete removes key, appending a tombstone record.
func (p *Partition) Delete(key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.appendSegment(key, nil, true); err != nil {
		return err
	}
	delete(p.index, string(key))
	p.rebuildKeys()
	return nil
}

func (p *Partition) appendSegment(key, val []byte, tombstone bool) error {
	if _, err := p.segFile.Seek(0, io.SeekEnd); err != nil {
		return cerrors.IOError("seek segment file", err)
	}
	var flags byte
	if tombstone {
		flags = recordTombstone
	}
	var lenBuf [4]byte
	buf := make([]byte, 0, 9+len(key)+len(val))
	buf = append(buf, flags)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, key...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(val)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, val...)
	if _, err := p.segFile.Write(buf); err != nil {
		return cerrors.IOError("append segment record", err)
	}
	return nil
}

// Scan returns, in ascending key order, every key in [start, end)
// (end may be nil for an open-ended scan).
func (p *Partition) Scan(start, end []byte) ([][]byte, [][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keys, values [][]byte
	for _, k := range p.keys {
		if string(start) != "" && k < string(start) {
			continue
		}
		if end != nil && k >= string(end) {
			break
		}
		rec := p.index[k]
		val, err := p.resolve(rec)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, []byte(k))
		values = append(values, val)
	}
	return keys, values, nil
}

// BatchEntry is one write in an atomic Batch.
type BatchEntry struct {
	Key   []byte
	Value []byte
}

// Batch writes every entry, appending all records to the segment file
// before updating the in-memory index, so readers of a running Engine
// never see part of a batch. The records carry no commit marker: after
// a crash mid-batch, replay applies every record of the batch that was
// fully written, and a record cut short makes replay return Corrupted.
func (p *Partition) Batch(entries []BatchEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs := make([]record, len(entries))
	for i, e := range entries {
		if len(e.Value) >= ValueSeparationThreshold {
			compressed := snappy.Encode(nil, e.Value)
			off, err := p.blobFile.Seek(0, io.SeekEnd)
			if err != nil {
				return cerrors.IOError("seek blob file", err)
			}
			if _, err := p.blobFile.Write(compressed); err != nil {
				return cerrors.IOError("append blob", err)
			}
			recs[i] = record{separated: true, blobOffset: off, blobLen: int64(len(compressed))}
		} else {
			recs[i] = record{inline: lz4Compress(e.Value)}
		}
		if err := p.appendSegment(e.Key, encodeRecord(recs[i]), false); err != nil {
			return err
		}
	}

	for i, e := range entries {
		_, existed := p.index[string(e.Key)]
		p.index[string(e.Key)] = recs[i]
		_ = existed
	}
	p.rebuildKeys()
	return nil
}

func (p *Partition) sync() error {
	if err := p.segFile.Sync(); err != nil {
		return cerrors.DurabilityFailure(err)
	}
	if err := p.blobFile.Sync(); err != nil {
		return cerrors.DurabilityFailure(err)
	}
	return nil
}

func lz4Compress(data []byte) []byte {
	var buf []byte
	w := lz4WriterPool.Get().(*lz4.Writer)
	defer lz4WriterPool.Put(w)

	var out writerBuf
	w.Reset(&out)
	if _, err := w.Write(data); err != nil {
		// Compression of an in-memory buffer cannot fail; if it ever does,
		// fall back to storing the raw bytes rather than losing data.
		return append([]byte{0}, data...)
	}
	w.Close()
	buf = append([]byte{1}, out.b...)
	return buf
}

func lz4Decompress(data []byte, out []byte) ([]byte, error) {
	if len(data) == 0 {
		return out, nil
	}
	if data[0] == 0 {
		return append(out, data[1:]...), nil
	}
	r := lz4.NewReader(byteReader(data[1:]))
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, cerrors.Corrupted("lz4 value", err.Error())
	}
	return append(out, buf...), nil
}

var lz4WriterPool = sync.Pool{New: func() interface{} { return lz4.NewWriter(nil) }}

// writerBuf is a tiny io.Writer over a growable slice, avoiding a
// bytes.Buffer allocation per compress call.
type writerBuf struct{ b []byte }

func (w *writerBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func byteReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// EncodeIndex renders a log index as a sortable big-endian key, per
// spec.md §6.
func EncodeIndex(index uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)
	return b[:]
}

// DecodeIndex reverses EncodeIndex.
func DecodeIndex(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
