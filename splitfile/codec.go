// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/blubskye/gosplitfile/keys"
)

const (
	// BlockLength is the fixed CHK payload size
	BlockLength = 32768

	// HeaderLength is the fixed CHK header size
	HeaderLength = 36

	// RawBlockLength is the full on-the-wire block: headers + ciphertext
	RawBlockLength = HeaderLength + BlockLength
)

// EncodeBlock encrypts a full-length plaintext block and derives its CHK.
// Deterministic for a given (plaintext, cryptoKey, cryptoAlgorithm).
// Returns the raw block (headers || ciphertext) and the client key.
func EncodeBlock(plaintext, cryptoKey []byte, cryptoAlgorithm byte) ([]byte, *keys.ClientCHK, error) {
	if len(plaintext) != BlockLength {
		return nil, nil, fmt.Errorf("plaintext must be %d bytes, got %d", BlockLength, len(plaintext))
	}

	var ciphertext []byte
	var err error
	switch cryptoAlgorithm {
	case keys.AlgoAESCTR256SHA256:
		ciphertext, err = keys.EncryptDataCTR(plaintext, cryptoKey, nil)
	case keys.AlgoAESPCFB256SHA256:
		ciphertext, err = keys.EncryptDataPCFB(plaintext, cryptoKey, nil)
	default:
		return nil, nil, fmt.Errorf("invalid crypto algorithm: %d", cryptoAlgorithm)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt block: %w", err)
	}

	// Headers: 2-byte hash identifier (SHA-256), remainder reserved
	raw := make([]byte, RawBlockLength)
	raw[0] = 0x00
	raw[1] = keys.HashSHA256
	copy(raw[HeaderLength:], ciphertext)

	// Routing key: SHA256(headers || ciphertext)
	hasher := sha256.New()
	hasher.Write(raw[:HeaderLength])
	hasher.Write(raw[HeaderLength:])
	routingKey := hasher.Sum(nil)

	key, err := keys.NewClientCHK(routingKey, cryptoKey, cryptoAlgorithm, keys.CompressionNone, false)
	if err != nil {
		return nil, nil, err
	}
	return raw, key, nil
}

// VerifyBlock checks a raw block (headers || ciphertext) against its
// expected client key. Fails with ErrVerifyFailed on any mismatch.
func VerifyBlock(raw []byte, expected *keys.ClientCHK) error {
	if len(raw) != RawBlockLength {
		return fmt.Errorf("%w: block is %d bytes, want %d", ErrVerifyFailed, len(raw), RawBlockLength)
	}

	hashIdentifier := int16(raw[0])<<8 | int16(raw[1])
	if hashIdentifier != keys.HashSHA256 {
		return fmt.Errorf("%w: hash identifier %d is not SHA-256", ErrVerifyFailed, hashIdentifier)
	}

	hasher := sha256.New()
	hasher.Write(raw[:HeaderLength])
	hasher.Write(raw[HeaderLength:])
	calculated := hasher.Sum(nil)

	if !bytes.Equal(calculated, expected.GetRoutingKey()) {
		return fmt.Errorf("%w: hash does not match routing key", ErrVerifyFailed)
	}
	return nil
}

// DecodeBlock decrypts a verified raw block and returns the plaintext.
// Fails with ErrDecodeFailed if the block structure is malformed.
func DecodeBlock(raw []byte, key *keys.ClientCHK) ([]byte, error) {
	if len(raw) != RawBlockLength {
		return nil, fmt.Errorf("%w: block is %d bytes, want %d", ErrDecodeFailed, len(raw), RawBlockLength)
	}

	hashIdentifier := int16(raw[0])<<8 | int16(raw[1])
	if hashIdentifier != keys.HashSHA256 {
		return nil, fmt.Errorf("%w: hash identifier %d is not SHA-256", ErrDecodeFailed, hashIdentifier)
	}

	var plaintext []byte
	var err error
	switch key.GetCryptoAlgorithm() {
	case keys.AlgoAESCTR256SHA256:
		plaintext, err = keys.DecryptDataCTR(raw[HeaderLength:], key.GetCryptoKey(), nil)
	case keys.AlgoAESPCFB256SHA256:
		plaintext, err = keys.DecryptDataPCFB(raw[HeaderLength:], key.GetCryptoKey(), nil)
	default:
		return nil, fmt.Errorf("%w: invalid crypto algorithm %d", ErrDecodeFailed, key.GetCryptoAlgorithm())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if len(plaintext) != BlockLength {
		return nil, fmt.Errorf("%w: decrypted to %d bytes", ErrDecodeFailed, len(plaintext))
	}
	return plaintext, nil
}
