// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// FECCodec is the systematic forward-error-correction contract consumed
// by segment and cross-segment decode. Decode must reconstruct every
// missing data block when present data+check blocks reach the data
// count; Encode fills missing check blocks from complete data.
type FECCodec interface {
	Decode(data, check [][]byte, dataPresent, checkPresent []bool, blockLen int) error
	Encode(data, check [][]byte, checkPresent []bool, blockLen int) error
	MaxMemoryOverheadDecode(dataBlocks, checkBlocks int) int64
	MaxMemoryOverheadEncode(dataBlocks, checkBlocks int) int64
}

// ReedSolomonCodec implements FECCodec on klauspost/reedsolomon.
// Stateless apart from a cache of encoder instances per geometry.
type ReedSolomonCodec struct {
	mu       sync.Mutex
	encoders map[[2]int]reedsolomon.Encoder
}

// NewReedSolomonCodec creates a codec.
func NewReedSolomonCodec() *ReedSolomonCodec {
	return &ReedSolomonCodec{encoders: make(map[[2]int]reedsolomon.Encoder)}
}

func (c *ReedSolomonCodec) encoder(dataBlocks, checkBlocks int) (reedsolomon.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := [2]int{dataBlocks, checkBlocks}
	if enc, ok := c.encoders[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(dataBlocks, checkBlocks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFECFailed, err)
	}
	c.encoders[key] = enc
	return enc, nil
}

// Decode reconstructs missing data (and check) blocks in place. Buffers
// for absent positions must be allocated, zero-filled and blockLen long;
// presence is given by the masks.
func (c *ReedSolomonCodec) Decode(data, check [][]byte, dataPresent, checkPresent []bool, blockLen int) error {
	if len(check) == 0 {
		for i := range data {
			if !dataPresent[i] {
				return fmt.Errorf("%w: data block %d missing and no check blocks", ErrFECFailed, i)
			}
		}
		return nil
	}
	enc, err := c.encoder(len(data), len(check))
	if err != nil {
		return err
	}

	shards := make([][]byte, len(data)+len(check))
	for i := range data {
		if dataPresent[i] {
			shards[i] = data[i]
		}
	}
	for i := range check {
		if checkPresent[i] {
			shards[len(data)+i] = check[i]
		}
	}

	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("%w: %v", ErrFECFailed, err)
	}

	for i := range data {
		if !dataPresent[i] {
			copy(data[i], shards[i])
		}
	}
	for i := range check {
		if !checkPresent[i] {
			copy(check[i], shards[len(data)+i])
		}
	}
	return nil
}

// Encode fills missing check blocks from a complete set of data blocks.
func (c *ReedSolomonCodec) Encode(data, check [][]byte, checkPresent []bool, blockLen int) error {
	if len(check) == 0 {
		return nil
	}
	enc, err := c.encoder(len(data), len(check))
	if err != nil {
		return err
	}

	shards := make([][]byte, len(data)+len(check))
	copy(shards, data)
	for i := range check {
		shards[len(data)+i] = make([]byte, blockLen)
	}

	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("%w: %v", ErrFECFailed, err)
	}

	for i := range check {
		if checkPresent == nil || !checkPresent[i] {
			copy(check[i], shards[len(data)+i])
		}
	}
	return nil
}

// MaxMemoryOverheadDecode returns a conservative byte estimate for the
// scratch state of a decode at the given geometry.
func (c *ReedSolomonCodec) MaxMemoryOverheadDecode(dataBlocks, checkBlocks int) int64 {
	n := dataBlocks + checkBlocks
	return int64(checkBlocks)*BlockLength + int64(n*n)
}

// MaxMemoryOverheadEncode returns a conservative byte estimate for the
// scratch state of an encode at the given geometry.
func (c *ReedSolomonCodec) MaxMemoryOverheadEncode(dataBlocks, checkBlocks int) int64 {
	n := dataBlocks + checkBlocks
	return int64(checkBlocks)*BlockLength + int64(n*n)
}
