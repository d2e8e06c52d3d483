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

package storage

import (
	"bytes"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	e := setupTestEngine(t)
	p := e.Partition(PartitionLog)

	key := EncodeIndex(1)
	val := []byte("hello raft")
	if err := p.Put(key, val); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := p.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, val) {
		t.Errorf("got %q, want %q", got, val)
	}
}

func TestGetMissingKey(t *testing.T) {
	e := setupTestEngine(t)
	p := e.Partition(PartitionLog)

	if _, err := p.Get(EncodeIndex(99)); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestValueSeparation(t *testing.T) {
	e := setupTestEngine(t)
	p := e.Partition(PartitionLog)

	big := bytes.Repeat([]byte("x"), ValueSeparationThreshold+100)
	key := EncodeIndex(5)
	if err := p.Put(key, big); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := p.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Error("value-separated payload did not round-trip")
	}
}

func TestScanOrdering(t *testing.T) {
	e := setupTestEngine(t)
	p := e.Partition(PartitionLog)

	for _, i := range []uint64{3, 1, 2} {
		if err := p.Put(EncodeIndex(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	keys, _, err := p.Scan(nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i := 0; i < len(keys)-1; i++ {
		if bytes.Compare(keys[i], keys[i+1]) >= 0 {
			t.Errorf("keys not ascending: %v then %v", keys[i], keys[i+1])
		}
	}
	if DecodeIndex(keys[0]) != 1 || DecodeIndex(keys[2]) != 3 {
		t.Errorf("unexpected scan order: %v", keys)
	}
}

func TestBatchAtomicVisibility(t *testing.T) {
	e := setupTestEngine(t)
	p := e.Partition(PartitionLog)

	entries := []BatchEntry{
		{Key: EncodeIndex(1), Value: []byte("a")},
		{Key: EncodeIndex(2), Value: []byte("b")},
		{Key: EncodeIndex(3), Value: []byte("c")},
	}
	if err := p.Batch(entries); err != nil {
		t.Fatalf("Batch: %v", err)
	}
	for _, e := range entries {
		got, err := p.Get(e.Key)
		if err != nil {
			t.Fatalf("Get after batch: %v", err)
		}
		if !bytes.Equal(got, e.Value) {
			t.Errorf("batch entry mismatch for key %v", e.Key)
		}
	}
}

func TestRestorePartitionPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	e1 := setupTestEngineWithPath(t, dir)
	p1 := e1.Partition(PartitionRestore)
	if err := p1.Put([]byte(RestoreKey), []byte{0, 0, 0, 7}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e1.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	e1.Close()

	e2, err := Open(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	got, err := e2.Partition(PartitionRestore).Get([]byte(RestoreKey))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 7}) {
		t.Errorf("got %v after reopen, want restored value", got)
	}
}

func TestDoubleOpenFailsLock(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer e1.Close()

	if _, err := Open(Config{DataDir: dir}); err == nil {
		t.Error("expected second Open of the same data_dir to fail")
	}
}

func TestEncryptedRestorePartition(t *testing.T) {
	e := setupTestEngineWithEncryption(t, "correct horse battery staple")
	p := e.Partition(PartitionRestore)

	plaintext := []byte{0, 0, 0, 1, 1}
	if err := p.Put([]byte(RestoreKey), plaintext); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := p.Get([]byte(RestoreKey))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %v, want %v", got, plaintext)
	}
}

func TestDeleteTombstone(t *testing.T) {
	e := setupTestEngine(t)
	p := e.Partition(PartitionLog)

	key := EncodeIndex(1)
	if err := p.Put(key, []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Get(key); err == nil {
		t.Error("expected key to be gone after Delete")
	}
}
