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

import "testing"

// setupTestEngine opens an Engine rooted at a fresh t.TempDir() and
// registers t.Cleanup to close it.
func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// setupTestEngineWithPath opens an Engine at a caller-chosen directory,
// useful for tests that reopen the same directory to exercise replay.
func setupTestEngineWithPath(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(Config{DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// setupTestEngineWithEncryption opens an Engine with restore-partition
// encryption enabled using passphrase.
func setupTestEngineWithEncryption(t *testing.T, passphrase string) *Engine {
	t.Helper()
	e, err := Open(Config{
		DataDir:    t.TempDir(),
		Encryption: EncryptionConfig{Enabled: true, Passphrase: passphrase},
	})
	if err != nil {
		t.Fatalf("Open with encryption: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}
