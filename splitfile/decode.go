// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"bytes"
	"errors"

	log "github.com/sirupsen/logrus"
)

// decodeCandidate is one slot surviving the reconciliation pass.
type decodeCandidate struct {
	slot    int
	blockNo int
	buf     []byte
}

// runDecode executes on the parent's memory-limited job queue. It
// re-reads and re-verifies every stored block against the key table,
// repairs inconsistent metadata in place, FEC-decodes the missing data
// blocks, commits the canonical layout, and emits healing blocks.
func (s *SegmentStorage) runDecode() {
	err := s.decodeInner()
	s.mu.Lock()
	s.decodeRunning = false
	s.mu.Unlock()
	if err != nil {
		if IsDiskError(err) {
			s.parent.FailOnDiskError(err)
			return
		}
		log.Errorf("splitfile: segment %d decode failed: %v", s.segNo, err)
		s.fail()
		s.parent.segmentFailed(s, err)
	}
}

func (s *SegmentStorage) decodeInner() error {
	m := s.Needed()
	n := s.Total()

	// Snapshot the mutable state; everything slow runs without the
	// segment lock.
	s.mu.Lock()
	if s.succeeded || s.failed || s.finished {
		s.mu.Unlock()
		return nil
	}
	slotBlock := make([]int16, m)
	copy(slotBlock, s.slotBlock)
	wasPresent := make([]bool, n)
	copy(wasPresent, s.present)
	tried := make([]bool, n)
	copy(tried, s.tried)
	s.mu.Unlock()

	// Read every slot. One RAF lock per read is fine here; nothing
	// about the sequence needs to appear atomic.
	bufs := make([][]byte, m)
	for i := 0; i < m; i++ {
		bufs[i] = make([]byte, BlockLength)
		if err := s.parent.raf.pread(s.blockDataOffset+int64(i)*BlockLength, bufs[i]); err != nil {
			return err
		}
	}

	tab, err := s.keys()
	if err != nil {
		if IsDiskError(err) || errors.Is(err, ErrKeysCorrupt) {
			return err
		}
		// Key table unreadable but neither corrupt nor a disk error:
		// leave the segment alone; it is not failed, and a later
		// TryStartDecode can submit the decode again.
		log.Warnf("splitfile: segment %d decode aborted, keys unreadable: %v", s.segNo, err)
		return nil
	}

	// Reconciliation pass: throw out slot entries that cannot be
	// right, rebuild the presence bitmap from what remains, and fix
	// the count if the cached metadata diverged.
	var candidates []decodeCandidate
	s.mu.Lock()
	seen := make([]bool, n)
	for slot := 0; slot < m; slot++ {
		b := int(s.slotBlock[slot])
		if b < 0 {
			continue
		}
		if b >= n || seen[b] {
			log.Warnf("splitfile: segment %d slot %d holds bogus block number %d, clearing", s.segNo, slot, b)
			s.slotBlock[slot] = -1
			s.metadataDirty = true
			continue
		}
		seen[b] = true
		candidates = append(candidates, decodeCandidate{slot: slot, blockNo: b, buf: bufs[slot]})
	}
	count := 0
	for b := 0; b < n; b++ {
		if s.present[b] != seen[b] {
			s.present[b] = seen[b]
			s.metadataDirty = true
		}
		if s.present[b] {
			count++
		}
	}
	if count != s.presentCount {
		log.Warnf("splitfile: segment %d present count %d diverged from bitmap %d, correcting", s.segNo, s.presentCount, count)
		s.presentCount = count
		s.metadataDirty = true
	}
	cancelled := s.succeeded || s.failed
	s.mu.Unlock()
	if cancelled {
		return nil
	}

	if len(candidates) < m {
		return s.flushStatusIfDirty()
	}

	// Verification pass, outside the lock: re-encode each stored
	// block and compare the resulting key with the declared one. A
	// mismatch is either a block stored under the wrong number (its
	// real key is elsewhere in the table; reassign) or corruption
	// (clear the slot).
	valid := candidates[:0]
	for _, c := range candidates {
		_, actualKey, err := EncodeBlock(c.buf, tab.CryptoKey(), tab.CryptoAlgorithm())
		if err != nil {
			return err
		}
		if bytes.Equal(actualKey.GetRoutingKey(), tab.RoutingKeyAt(c.blockNo)) {
			valid = append(valid, c)
			continue
		}
		newNo := tab.BlockNumberOf(actualKey.GetRoutingKey(), nil)
		s.mu.Lock()
		if newNo >= 0 && !s.present[newNo] {
			log.Warnf("splitfile: segment %d slot %d declared block %d but holds block %d, reassigning", s.segNo, c.slot, c.blockNo, newNo)
			s.slotBlock[c.slot] = int16(newNo)
			s.present[c.blockNo] = false
			s.present[newNo] = true
			s.metadataDirty = true
			c.blockNo = newNo
			valid = append(valid, c)
		} else {
			log.Warnf("splitfile: segment %d slot %d is corrupt (declared block %d), clearing", s.segNo, c.slot, c.blockNo)
			s.slotBlock[c.slot] = -1
			s.present[c.blockNo] = false
			s.presentCount--
			s.metadataDirty = true
		}
		s.mu.Unlock()
	}

	if len(valid) < m {
		return s.flushStatusIfDirty()
	}

	// Lay out the FEC arrays by block number. Missing positions get
	// zero-filled buffers for the codec to reconstruct into.
	data := make([][]byte, m)
	dataPresent := make([]bool, m)
	check := make([][]byte, s.checkBlocks)
	checkPresent := make([]bool, s.checkBlocks)
	validCount := 0
	for _, c := range valid {
		if c.blockNo < m {
			data[c.blockNo] = c.buf
			dataPresent[c.blockNo] = true
			validCount++
		} else {
			check[c.blockNo-m] = c.buf
			checkPresent[c.blockNo-m] = true
		}
	}
	for i := range data {
		if data[i] == nil {
			data[i] = make([]byte, BlockLength)
		}
	}
	for i := range check {
		if check[i] == nil {
			check[i] = make([]byte, BlockLength)
		}
	}

	if validCount < m {
		if err := s.parent.fec.Decode(data, check, dataPresent, checkPresent, BlockLength); err != nil {
			return err
		}
	}

	// Commit: write the canonical layout, slot i holds block i, under
	// both locks. The cooperative cancellation check is re-made here.
	s.mu.Lock()
	if s.succeeded || s.failed {
		s.mu.Unlock()
		return nil
	}
	lock := s.parent.raf.OpenLock()
	for i := 0; i < m; i++ {
		if err := lock.Pwrite(s.blockDataOffset+int64(i)*BlockLength, data[i]); err != nil {
			lock.Release()
			s.mu.Unlock()
			return err
		}
	}
	for i := 0; i < m; i++ {
		s.slotBlock[i] = int16(i)
		s.present[i] = true
	}
	// Check blocks are no longer stored anywhere once the slots hold
	// the canonical data layout.
	for i := m; i < n; i++ {
		s.present[i] = false
	}
	s.presentCount = m
	s.succeeded = true
	s.metadataDirty = true
	crosses := make([]*CrossSegmentStorage, 0, m)
	crossBlocks := make([]int, 0, m)
	for b, cross := range s.crossByBlock {
		if cross != nil {
			crosses = append(crosses, cross)
			crossBlocks = append(crossBlocks, b)
			s.crossByBlock[b] = nil
		}
	}
	lock.Release()
	s.mu.Unlock()

	s.parent.segmentSucceeded(s)
	for i, cross := range crosses {
		cross.OnFetchedRelevantBlock(s, crossBlocks[i])
	}

	// Healing: re-encode the missing check blocks, then queue every
	// block that was tried but had to be reconstructed.
	if err := s.parent.fec.Encode(data, check, checkPresent, BlockLength); err != nil {
		log.Warnf("splitfile: segment %d check block encode failed, skipping heal: %v", s.segNo, err)
	} else {
		for b := 0; b < n; b++ {
			if !tried[b] || wasPresent[b] {
				continue
			}
			var block []byte
			if b < m {
				block = data[b]
			} else {
				block = check[b-m]
			}
			s.parent.queueHeal(block, tab.CryptoKey(), tab.CryptoAlgorithm())
		}
	}

	if err := s.flushStatus(); err != nil {
		return err
	}

	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.parent.segmentFinished(s)
	return nil
}
