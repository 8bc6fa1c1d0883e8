// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/blubskye/gosplitfile/keys"
)

// SegmentKeys is the immutable table of expected content keys for one
// segment. All blocks of a segment share one crypto key and algorithm;
// each block has its own routing key. Data and cross-check routing keys
// come first, check-block routing keys after.
type SegmentKeys struct {
	cryptoKey       []byte
	cryptoAlgorithm byte
	routingKeys     [][]byte // total block count entries of 32 bytes
}

// NewSegmentKeys builds a key table from a shared crypto key and the
// per-block routing keys.
func NewSegmentKeys(cryptoKey []byte, cryptoAlgorithm byte, routingKeys [][]byte) (*SegmentKeys, error) {
	if len(cryptoKey) != keys.ClientCHKCryptoKeyLength {
		return nil, fmt.Errorf("crypto key must be %d bytes", keys.ClientCHKCryptoKeyLength)
	}
	if cryptoAlgorithm != keys.AlgoAESPCFB256SHA256 && cryptoAlgorithm != keys.AlgoAESCTR256SHA256 {
		return nil, fmt.Errorf("invalid crypto algorithm: %d", cryptoAlgorithm)
	}
	ck := make([]byte, len(cryptoKey))
	copy(ck, cryptoKey)
	rks := make([][]byte, len(routingKeys))
	for i, rk := range routingKeys {
		if len(rk) != keys.ClientCHKRoutingKeyLength {
			return nil, fmt.Errorf("routing key %d must be %d bytes", i, keys.ClientCHKRoutingKeyLength)
		}
		rks[i] = make([]byte, len(rk))
		copy(rks[i], rk)
	}
	return &SegmentKeys{
		cryptoKey:       ck,
		cryptoAlgorithm: cryptoAlgorithm,
		routingKeys:     rks,
	}, nil
}

// Count returns the number of keys in the table.
func (k *SegmentKeys) Count() int {
	return len(k.routingKeys)
}

// CryptoKey returns the shared decryption key.
func (k *SegmentKeys) CryptoKey() []byte {
	return k.cryptoKey
}

// CryptoAlgorithm returns the shared crypto algorithm.
func (k *SegmentKeys) CryptoAlgorithm() byte {
	return k.cryptoAlgorithm
}

// BlockNumberOf returns the index of the block whose routing key matches,
// or -1. Indices whose bit is set in ignore are skipped; a nil ignore
// mask matches all indices.
func (k *SegmentKeys) BlockNumberOf(routingKey []byte, ignore []bool) int {
	for i, rk := range k.routingKeys {
		if ignore != nil && i < len(ignore) && ignore[i] {
			continue
		}
		if bytes.Equal(rk, routingKey) {
			return i
		}
	}
	return -1
}

// KeyAt returns the expected client key for a block index.
func (k *SegmentKeys) KeyAt(index int) (*keys.ClientCHK, error) {
	if index < 0 || index >= len(k.routingKeys) {
		return nil, fmt.Errorf("block index %d out of range [0, %d)", index, len(k.routingKeys))
	}
	return keys.NewClientCHK(k.routingKeys[index], k.cryptoKey, k.cryptoAlgorithm, keys.CompressionNone, false)
}

// RoutingKeyAt returns the raw expected routing key for a block index.
func (k *SegmentKeys) RoutingKeyAt(index int) []byte {
	return k.routingKeys[index]
}

// SegmentKeysStoredLength returns the serialized size of a table holding n keys,
// including the trailing CRC.
func SegmentKeysStoredLength(n int) int {
	return 1 + keys.ClientCHKCryptoKeyLength + n*keys.ClientCHKRoutingKeyLength + 4
}

// WriteTo serializes the table: algorithm byte, shared crypto key,
// routing keys in block order, then a big-endian CRC-32 over all of it.
func (k *SegmentKeys) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteByte(k.cryptoAlgorithm)
	buf.Write(k.cryptoKey)
	for _, rk := range k.routingKeys {
		buf.Write(rk)
	}
	crc := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(&buf, binary.BigEndian, crc); err != nil {
		return 0, err
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadSegmentKeys parses a serialized table holding n keys and verifies
// the trailing CRC. Fails with ErrKeysCorrupt on mismatch.
func ReadSegmentKeys(r io.Reader, n int) (*SegmentKeys, error) {
	body := make([]byte, SegmentKeysStoredLength(n)-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read key table: %w", err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read key table CRC: %w", err)
	}
	want := binary.BigEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, ErrKeysCorrupt
	}

	cryptoAlgorithm := body[0]
	cryptoKey := body[1 : 1+keys.ClientCHKCryptoKeyLength]
	routingKeys := make([][]byte, n)
	off := 1 + keys.ClientCHKCryptoKeyLength
	for i := 0; i < n; i++ {
		routingKeys[i] = body[off : off+keys.ClientCHKRoutingKeyLength]
		off += keys.ClientCHKRoutingKeyLength
	}
	return NewSegmentKeys(cryptoKey, cryptoAlgorithm, routingKeys)
}
