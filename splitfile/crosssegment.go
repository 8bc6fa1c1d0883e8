// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"

	log "github.com/sirupsen/logrus"
)

// crossRef names one block of one segment that a cross-segment protects.
type crossRef struct {
	seg     *SegmentStorage
	blockNo int
}

// CrossSegmentStorage is the secondary FEC layer protecting selected
// data blocks across several segments. The first dataBlocks refs are
// real data blocks of their owning segments; the rest are the owning
// segments' cross-check blocks. It mirrors SegmentStorage on a smaller
// scale: once enough referenced blocks are present it decodes and hands
// reconstructed blocks back to their owners.
type CrossSegmentStorage struct {
	parent     *SplitFileFetcherStorage
	crossSegNo int

	dataBlocks  int // m
	checkBlocks int // c
	refs        []crossRef // len m + c

	mu            sync.Mutex
	received      []bool // len m + c
	receivedCount int
	succeeded     bool
	failed        bool
	decodeRunning bool
}

func newCrossSegmentStorage(parent *SplitFileFetcherStorage, crossSegNo, dataBlocks, checkBlocks int) *CrossSegmentStorage {
	total := dataBlocks + checkBlocks
	return &CrossSegmentStorage{
		parent:      parent,
		crossSegNo:  crossSegNo,
		dataBlocks:  dataBlocks,
		checkBlocks: checkBlocks,
		refs:        make([]crossRef, 0, total),
		received:    make([]bool, total),
	}
}

// CrossSegNo returns the cross-segment's index.
func (c *CrossSegmentStorage) CrossSegNo() int {
	return c.crossSegNo
}

// addRef registers a (segment, block) reference and the back-reference
// on the owning segment. Construction-time only.
func (c *CrossSegmentStorage) addRef(seg *SegmentStorage, blockNo int) {
	c.refs = append(c.refs, crossRef{seg: seg, blockNo: blockNo})
	seg.crossByBlock[blockNo] = c
}

// OnFetchedRelevantBlock is invoked by a segment commit for a block
// this cross-segment cares about. When received blocks reach the data
// count, a decode job is submitted.
func (c *CrossSegmentStorage) OnFetchedRelevantBlock(seg *SegmentStorage, blockNo int) {
	c.mu.Lock()
	if c.succeeded || c.failed {
		c.mu.Unlock()
		return
	}
	for i, ref := range c.refs {
		if ref.seg == seg && ref.blockNo == blockNo && !c.received[i] {
			c.received[i] = true
			c.receivedCount++
			break
		}
	}
	ready := c.receivedCount >= c.dataBlocks && !c.decodeRunning
	if ready {
		c.decodeRunning = true
	}
	c.mu.Unlock()

	if !ready {
		return
	}

	fec := c.parent.fec
	decodeOverhead := fec.MaxMemoryOverheadDecode(c.dataBlocks, c.checkBlocks)
	encodeOverhead := fec.MaxMemoryOverheadEncode(c.dataBlocks, c.checkBlocks)
	overhead := decodeOverhead
	if encodeOverhead > overhead {
		overhead = encodeOverhead
	}
	estimate := int64(c.dataBlocks+c.checkBlocks)*BlockLength + overhead
	if err := c.parent.jobs.QueueJob(estimate, PriorityLow, c.runDecode); err != nil {
		log.Warnf("splitfile: cross-segment %d decode not queued: %v", c.crossSegNo, err)
		c.mu.Lock()
		c.decodeRunning = false
		c.mu.Unlock()
	}
}

func (c *CrossSegmentStorage) runDecode() {
	err := c.decodeInner()
	c.mu.Lock()
	c.decodeRunning = false
	c.mu.Unlock()
	if err != nil {
		if IsDiskError(err) {
			c.parent.FailOnDiskError(err)
			return
		}
		log.Errorf("splitfile: cross-segment %d decode failed: %v", c.crossSegNo, err)
		c.mu.Lock()
		c.failed = true
		c.mu.Unlock()
	}
}

// decodeInner runs the same verification+decode protocol as a segment
// decode, over this cross-segment's slice of blocks, then redistributes
// reconstructed blocks to their owning segments. Redistribution can
// unblock further segment decodes; each cascade strictly grows the set
// of present blocks, so the recovery terminates.
func (c *CrossSegmentStorage) decodeInner() error {
	m := c.dataBlocks
	total := m + c.checkBlocks

	c.mu.Lock()
	if c.succeeded || c.failed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Pull each referenced block from its owning segment and verify
	// it against the owner's key table. A block can have vanished or
	// rotted since the notification; treat it as absent then.
	bufs := make([][]byte, total)
	present := make([]bool, total)
	presentCount := 0
	for i, ref := range c.refs {
		buf, err := ref.seg.readBlock(ref.blockNo)
		if err != nil {
			return err
		}
		if buf == nil {
			continue
		}
		tab, err := ref.seg.keys()
		if err != nil {
			log.Warnf("splitfile: cross-segment %d decode aborted, segment %d keys unreadable: %v", c.crossSegNo, ref.seg.segNo, err)
			return nil
		}
		_, actualKey, err := EncodeBlock(buf, tab.CryptoKey(), tab.CryptoAlgorithm())
		if err != nil {
			return err
		}
		if !bytes.Equal(actualKey.GetRoutingKey(), tab.RoutingKeyAt(ref.blockNo)) {
			log.Warnf("splitfile: cross-segment %d ref %d (segment %d block %d) fails verification, skipping", c.crossSegNo, i, ref.seg.segNo, ref.blockNo)
			continue
		}
		bufs[i] = buf
		present[i] = true
		presentCount++
	}

	if presentCount < m {
		// Not enough after re-verification; wait for more blocks.
		return nil
	}

	data := make([][]byte, m)
	dataPresent := make([]bool, m)
	check := make([][]byte, c.checkBlocks)
	checkPresent := make([]bool, c.checkBlocks)
	for i := 0; i < total; i++ {
		if i < m {
			data[i] = bufs[i]
			dataPresent[i] = present[i]
			if data[i] == nil {
				data[i] = make([]byte, BlockLength)
			}
		} else {
			check[i-m] = bufs[i]
			checkPresent[i-m] = present[i]
			if check[i-m] == nil {
				check[i-m] = make([]byte, BlockLength)
			}
		}
	}

	missingData := false
	for i := 0; i < m; i++ {
		if !dataPresent[i] {
			missingData = true
			break
		}
	}
	if missingData {
		if err := c.parent.fec.Decode(data, check, dataPresent, checkPresent, BlockLength); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.succeeded || c.failed {
		c.mu.Unlock()
		return nil
	}
	c.succeeded = true
	c.mu.Unlock()

	// Redistribute every block the owning segment does not have. The
	// owner's commit path behaves exactly like an accepted arrival,
	// possibly cascading into its own decode.
	if err := c.parent.fec.Encode(data, check, checkPresent, BlockLength); err != nil {
		log.Warnf("splitfile: cross-segment %d check encode failed: %v", c.crossSegNo, err)
	}
	for i, ref := range c.refs {
		if present[i] {
			continue
		}
		var block []byte
		if i < m {
			block = data[i]
		} else {
			block = check[i-m]
		}
		if _, err := ref.seg.OnDecodedBlock(ref.blockNo, block); err != nil {
			return err
		}
	}
	return nil
}

// Cross-segment allocation. The geometry must be reproduced bit-for-bit
// from the seed the insert side used: a bounded random probe of exactly
// crossProbeLimit attempts picks a segment with capacity, falling back
// to a linear scan.
const crossProbeLimit = 10

type crossAllocState struct {
	dataUsed  int // data blocks of this segment already in a cross-segment
	checkUsed int // cross-check slots of this segment already taken
}

// allocateCrossSegments builds the cross-segment vector over segments,
// one cross-segment per segment, each holding blocksPerCross data
// entries and checkPerCross check entries drawn from distinct segments
// where possible.
func allocateCrossSegments(parent *SplitFileFetcherStorage, segments []*SegmentStorage, blocksPerCross, checkPerCross int, seed int64) ([]*CrossSegmentStorage, error) {
	rng := rand.New(rand.NewSource(seed))
	states := make([]*crossAllocState, len(segments))
	for i := range states {
		states[i] = &crossAllocState{}
	}

	crosses := make([]*CrossSegmentStorage, len(segments))
	for i := range crosses {
		cross := newCrossSegmentStorage(parent, i, blocksPerCross, checkPerCross)
		for j := 0; j < blocksPerCross; j++ {
			segIdx, ok := probeSegment(rng, states, func(st *crossAllocState, seg *SegmentStorage) bool {
				return st.dataUsed < seg.dataBlocks
			}, segments)
			if !ok {
				return nil, fmt.Errorf("no segment has a free data block for cross-segment %d", i)
			}
			seg := segments[segIdx]
			cross.addRef(seg, states[segIdx].dataUsed)
			states[segIdx].dataUsed++
		}
		for j := 0; j < checkPerCross; j++ {
			segIdx, ok := probeSegment(rng, states, func(st *crossAllocState, seg *SegmentStorage) bool {
				return st.checkUsed < seg.crossCheckBlocks
			}, segments)
			if !ok {
				return nil, fmt.Errorf("no segment has a free cross-check block for cross-segment %d", i)
			}
			seg := segments[segIdx]
			cross.addRef(seg, seg.dataBlocks+states[segIdx].checkUsed)
			states[segIdx].checkUsed++
		}
		crosses[i] = cross
	}
	return crosses, nil
}

// probeSegment picks a segment satisfying fits: up to crossProbeLimit
// random probes, then a linear scan from a random starting point.
func probeSegment(rng *rand.Rand, states []*crossAllocState, fits func(*crossAllocState, *SegmentStorage) bool, segments []*SegmentStorage) (int, bool) {
	for probe := 0; probe < crossProbeLimit; probe++ {
		idx := rng.Intn(len(segments))
		if fits(states[idx], segments[idx]) {
			return idx, true
		}
	}
	start := rng.Intn(len(segments))
	for off := 0; off < len(segments); off++ {
		idx := (start + off) % len(segments)
		if fits(states[idx], segments[idx]) {
			return idx, true
		}
	}
	return 0, false
}
