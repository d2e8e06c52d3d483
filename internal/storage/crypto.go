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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/scrypt"

	cerrors "raftd/internal/errors"
)

// cryptor seals/opens the raft_restore partition's single record with
// AES-GCM, keyed by a passphrase run through scrypt.
type cryptor struct {
	gcm cipher.AEAD
}

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// saltSize is the length of the all-zero scrypt salt newCryptor uses.
// The salt is not stored anywhere; a sealed blob carries only its nonce
// in front of the ciphertext.
const saltSize = 16

func newCryptor(passphrase string) (*cryptor, error) {
	if passphrase == "" {
		return nil, cerrors.NewValidationError("encryption enabled but passphrase is empty")
	}
	// A fixed, all-zero salt would make key derivation deterministic
	// across restarts without needing separate salt storage; real
	// per-install salts are out of scope for this single-passphrase
	// restore partition.
	salt := make([]byte, saltSize)
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, cerrors.NewValidationError("derive encryption key: " + err.Error())
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cerrors.NewValidationError("init cipher: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cerrors.NewValidationError("init gcm: " + err.Error())
	}
	return &cryptor{gcm: gcm}, nil
}

// seal encrypts plaintext, prefixing the nonce.
func (c *cryptor) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, cerrors.IOError("generate nonce", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal.
func (c *cryptor) open(sealed []byte) ([]byte, error) {
	ns := c.gcm.NonceSize()
	if len(sealed) < ns {
		return nil, cerrors.Corrupted(PartitionRestore, "sealed record shorter than nonce")
	}
	nonce, ct := sealed[:ns], sealed[ns:]
	pt, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, cerrors.Corrupted(PartitionRestore, "decryption failed: "+err.Error())
	}
	return pt, nil
}
