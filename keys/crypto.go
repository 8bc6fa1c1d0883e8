// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
)

// Crypto algorithms
const (
	AlgoAESPCFB256SHA256 byte = 2
	AlgoAESCTR256SHA256  byte = 3
)

// Hash algorithms
const (
	HashSHA256 = 1
)

// newBlockCipher builds the AES-256 cipher for a CHK crypto key.
func newBlockCipher(key []byte) (cipher.Block, error) {
	if len(key) != ClientCHKCryptoKeyLength {
		return nil, fmt.Errorf("crypto key must be %d bytes, got %d", ClientCHKCryptoKeyLength, len(key))
	}
	return aes.NewCipher(key)
}

// ivOrZero substitutes an all-zero IV when the caller supplies none;
// CHK block crypto always runs with the zero IV.
func ivOrZero(iv []byte) []byte {
	if iv != nil {
		return iv
	}
	return make([]byte, aes.BlockSize)
}

// EncryptDataCTR applies AES-256-CTR to data.
func EncryptDataCTR(data, key, iv []byte) ([]byte, error) {
	blk, err := newBlockCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(blk, ivOrZero(iv)).XORKeyStream(out, data)
	return out, nil
}

// DecryptDataCTR reverses EncryptDataCTR. CTR is an XOR stream, so
// the transform is its own inverse.
func DecryptDataCTR(data, key, iv []byte) ([]byte, error) {
	return EncryptDataCTR(data, key, iv)
}

// EncryptDataPCFB applies AES-256 in Freenet's PCFB mode to data.
func EncryptDataPCFB(data, key, iv []byte) ([]byte, error) {
	blk, err := newBlockCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCFBEncrypter(blk, ivOrZero(iv)).XORKeyStream(out, data)
	return out, nil
}

// DecryptDataPCFB reverses EncryptDataPCFB.
func DecryptDataPCFB(data, key, iv []byte) ([]byte, error) {
	blk, err := newBlockCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCFBDecrypter(blk, ivOrZero(iv)).XORKeyStream(out, data)
	return out, nil
}

// HashData returns the SHA-256 digest of data.
func HashData(data []byte) []byte {
	digest := sha256.Sum256(data)
	return digest[:]
}
