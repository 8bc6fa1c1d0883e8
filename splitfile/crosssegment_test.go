// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/blubskye/gosplitfile/keys"
	"github.com/stretchr/testify/require"
)

// crossFixture builds two one-data-block segments whose cross-check
// blocks are the parity of a 2+2 cross-segment code over their data
// blocks, then wires a cross-segment over all four.
type crossFixture struct {
	cryptoKey []byte
	seg       [2]*segFixtureLike
	storage   *SplitFileFetcherStorage
	cross     *CrossSegmentStorage
	cb        *testCallback
}

type segFixtureLike struct {
	plain   [][]byte
	raws    [][]byte
	routing [][]byte
	keys    *SegmentKeys
}

func buildCrossFixture(t *testing.T) *crossFixture {
	t.Helper()
	cryptoKey := make([]byte, keys.ClientCHKCryptoKeyLength)
	_, err := rand.Read(cryptoKey)
	require.NoError(t, err)

	// Cross-segment code: data = (seg0 block 0, seg1 block 0),
	// parity = (seg0 block 1, seg1 block 1).
	crossData := make([][]byte, 2)
	for i := range crossData {
		crossData[i] = make([]byte, BlockLength)
		_, err := rand.Read(crossData[i])
		require.NoError(t, err)
	}
	crossCheck := [][]byte{make([]byte, BlockLength), make([]byte, BlockLength)}
	require.NoError(t, NewReedSolomonCodec().Encode(crossData, crossCheck, nil, BlockLength))

	fx := &crossFixture{cryptoKey: cryptoKey}
	segs := make([]*segFixtureLike, 2)
	for s := 0; s < 2; s++ {
		// Segment geometry D=1, X=1, C=1: M=2, N=3. Block 0 is the
		// cross data block, block 1 the cross parity block, block 2
		// the segment's own FEC parity over blocks 0 and 1.
		plain := [][]byte{crossData[s], crossCheck[s], make([]byte, BlockLength)}
		segCheck := [][]byte{plain[2]}
		require.NoError(t, NewReedSolomonCodec().Encode(plain[:2], segCheck, nil, BlockLength))

		sl := &segFixtureLike{plain: plain}
		for i := 0; i < 3; i++ {
			raw, key, err := EncodeBlock(plain[i], cryptoKey, keys.AlgoAESCTR256SHA256)
			require.NoError(t, err)
			sl.raws = append(sl.raws, raw)
			sl.routing = append(sl.routing, key.GetRoutingKey())
		}
		sl.keys, err = NewSegmentKeys(cryptoKey, keys.AlgoAESCTR256SHA256, sl.routing)
		require.NoError(t, err)
		segs[s] = sl
	}

	raf, err := OpenRAF(filepath.Join(t.TempDir(), "scratch.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { raf.Close() })
	jobs := NewMemJobRunner(2, 256<<20)
	t.Cleanup(jobs.Stop)
	cb := &testCallback{}

	params := Params{
		Segments: []SegmentParams{
			{DataBlocks: 1, CrossCheckBlocks: 1, CheckBlocks: 1, Keys: segs[0].keys},
			{DataBlocks: 1, CrossCheckBlocks: 1, CheckBlocks: 1, Keys: segs[1].keys},
		},
	}
	storage, err := NewSplitFileFetcherStorage(raf, NewReedSolomonCodec(), jobs, cb, nil, params)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	// Wire the cross-segment by hand so the ref layout is exactly the
	// geometry the fixture encoded.
	cross := newCrossSegmentStorage(storage, 0, 2, 2)
	cross.addRef(storage.Segments()[0], 0)
	cross.addRef(storage.Segments()[1], 0)
	cross.addRef(storage.Segments()[0], 1)
	cross.addRef(storage.Segments()[1], 1)
	storage.crossSegments = []*CrossSegmentStorage{cross}

	fx.seg[0] = segs[0]
	fx.seg[1] = segs[1]
	fx.storage = storage
	fx.cross = cross
	fx.cb = cb
	return fx
}

func TestCrossSegmentCascadingRecovery(t *testing.T) {
	// Segment 0 completes from the network; the cross-segment then
	// reconstructs segment 1's blocks and redistributes them, and
	// segment 1 decodes without ever seeing a network block.
	fx := buildCrossFixture(t)
	seg0 := fx.storage.Segments()[0]
	seg1 := fx.storage.Segments()[1]

	require.True(t, fx.storage.RouteBlock(fx.seg[0].routing[0], fx.seg[0].raws[0]))
	require.True(t, fx.storage.RouteBlock(fx.seg[0].routing[1], fx.seg[0].raws[1]))

	waitFinished(t, seg0)
	waitFinished(t, seg1)
	checkInvariants(t, seg0)
	checkInvariants(t, seg1)

	var out bytes.Buffer
	_, err := fx.storage.WriteOut(&out)
	require.NoError(t, err)
	want := append(append([]byte{}, fx.seg[0].plain[0]...), fx.seg[1].plain[0]...)
	require.Equal(t, want, out.Bytes())
}

func TestCrossSegmentNotifiedOncePerBlock(t *testing.T) {
	// A block commit notifies the interested cross-segment exactly
	// once; the back-reference is cleared on capture.
	fx := buildCrossFixture(t)
	seg0 := fx.storage.Segments()[0]

	require.True(t, fx.storage.RouteBlock(fx.seg[0].routing[0], fx.seg[0].raws[0]))
	require.Eventually(t, func() bool {
		fx.cross.mu.Lock()
		defer fx.cross.mu.Unlock()
		return fx.cross.receivedCount == 1
	}, time.Second, 10*time.Millisecond)

	seg0.mu.Lock()
	require.Nil(t, seg0.crossByBlock[0])
	seg0.mu.Unlock()

	// Duplicate delivery is rejected before any notification.
	require.False(t, fx.storage.RouteBlock(fx.seg[0].routing[0], fx.seg[0].raws[0]))
	fx.cross.mu.Lock()
	require.Equal(t, 1, fx.cross.receivedCount)
	fx.cross.mu.Unlock()
}

func TestAllocateCrossSegmentsDeterministic(t *testing.T) {
	// The allocation must be reproducible bit-for-bit from the seed.
	type refKey struct {
		seg     int
		blockNo int
	}
	layout := func() [][]refKey {
		fx0 := makeSegmentFixture(t, 4, 2, 2)
		params := Params{
			Segments: []SegmentParams{
				{DataBlocks: 4, CrossCheckBlocks: 2, CheckBlocks: 2, Keys: fx0.keys},
				{DataBlocks: 4, CrossCheckBlocks: 2, CheckBlocks: 2, Keys: makeSegmentFixture(t, 4, 2, 2).keys},
				{DataBlocks: 4, CrossCheckBlocks: 2, CheckBlocks: 2, Keys: makeSegmentFixture(t, 4, 2, 2).keys},
			},
			CrossSegmentDataBlocks:  4,
			CrossSegmentCheckBlocks: 2,
			CrossSegmentSeed:        42,
		}
		env := newTestEnv(t, params)
		var out [][]refKey
		for _, cross := range env.storage.CrossSegments() {
			var refs []refKey
			for _, ref := range cross.refs {
				refs = append(refs, refKey{seg: ref.seg.SegNo(), blockNo: ref.blockNo})
			}
			out = append(out, refs)
		}
		return out
	}

	first := layout()
	second := layout()
	require.Equal(t, first, second)
	require.Len(t, first, 3)
	for _, refs := range first {
		require.Len(t, refs, 6)
	}
}
