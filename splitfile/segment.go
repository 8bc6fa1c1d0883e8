// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SegmentStorage is the per-segment state machine: it accepts candidate
// blocks, maintains the block-presence bitmap and slot map, persists
// status metadata lazily, and triggers FEC decode once enough blocks
// have arrived.
//
// A segment owns three regions of the backing file, at offsets handed
// in by the parent: the block data region (Needed() contiguous slots of
// BlockLength bytes), the status region, and the serialized key list.
// Slots are physical positions; the slot map names which block number
// lives in each slot, -1 meaning empty.
type SegmentStorage struct {
	parent *SplitFileFetcherStorage
	segNo  int

	dataBlocks       int // D
	crossCheckBlocks int // X
	checkBlocks      int // C

	blockDataOffset int64
	statusOffset    int64
	keyListOffset   int64

	mu            sync.Mutex
	slotBlock     []int16 // len M; -1 = slot empty
	present       []bool  // len N
	tried         []bool  // len N
	retries       []int32 // len N, nil unless retry tracking enabled
	presentCount  int
	succeeded     bool
	finished      bool
	failed        bool
	decodeRunning bool
	metadataDirty bool

	// Back-references to cross-segments interested in each data or
	// cross-check slot of this segment; cleared once notified.
	crossByBlock []*CrossSegmentStorage
}

func newSegmentStorage(parent *SplitFileFetcherStorage, segNo, dataBlocks, crossCheckBlocks, checkBlocks int, retryTracking bool) *SegmentStorage {
	s := &SegmentStorage{
		parent:           parent,
		segNo:            segNo,
		dataBlocks:       dataBlocks,
		crossCheckBlocks: crossCheckBlocks,
		checkBlocks:      checkBlocks,
	}
	m := s.Needed()
	n := s.Total()
	s.slotBlock = make([]int16, m)
	for i := range s.slotBlock {
		s.slotBlock[i] = -1
	}
	s.present = make([]bool, n)
	s.tried = make([]bool, n)
	if retryTracking {
		s.retries = make([]int32, n)
	}
	s.crossByBlock = make([]*CrossSegmentStorage, m)
	return s
}

// SegNo returns the segment's index within the splitfile.
func (s *SegmentStorage) SegNo() int {
	return s.segNo
}

// DataBlocks returns D, the data block count.
func (s *SegmentStorage) DataBlocks() int {
	return s.dataBlocks
}

// Needed returns M = D + X, the decode threshold.
func (s *SegmentStorage) Needed() int {
	return s.dataBlocks + s.crossCheckBlocks
}

// Total returns N = D + X + C, the total block count.
func (s *SegmentStorage) Total() int {
	return s.dataBlocks + s.crossCheckBlocks + s.checkBlocks
}

// Succeeded reports whether the segment holds canonical decoded data.
func (s *SegmentStorage) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded
}

// Finished reports whether the segment is terminally done.
func (s *SegmentStorage) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Failed reports whether the segment is terminally failed.
func (s *SegmentStorage) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// PresentCount returns the number of blocks believed present.
func (s *SegmentStorage) PresentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentCount
}

// keys loads the segment's key table, via the parent's cache. A miss
// re-reads the key list region and re-verifies its CRC.
func (s *SegmentStorage) keys() (*SegmentKeys, error) {
	return s.parent.segmentKeys(s)
}

// DefinitelyWantKey is the router's fast non-mutating probe: does this
// segment still want the block with this routing key?
func (s *SegmentStorage) DefinitelyWantKey(routingKey []byte) bool {
	s.mu.Lock()
	if s.succeeded || s.failed || s.finished {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	tab, err := s.keys()
	if err != nil {
		s.keysLoadFailed(err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.succeeded || s.failed || s.finished {
		return false
	}
	return tab.BlockNumberOf(routingKey, s.present) >= 0
}

// keysLoadFailed handles a key table load failure: a disk error fails
// the whole splitfile, any other error (corruption) fails the segment.
func (s *SegmentStorage) keysLoadFailed(err error) {
	if err == nil {
		return
	}
	if IsDiskError(err) {
		s.parent.FailOnDiskError(err)
		return
	}
	log.Errorf("splitfile: segment %d key list unreadable: %v", s.segNo, err)
	s.fail()
	s.parent.segmentFailed(s, err)
}

// OnGotKey is the hot path: a candidate block has arrived from the
// network. Returns true if the block was accepted and committed. A
// returned error is a disk failure; the caller must treat it as fatal
// for the whole splitfile.
func (s *SegmentStorage) OnGotKey(routingKey, raw []byte) (bool, error) {
	tab, err := s.keys()
	if err != nil {
		s.keysLoadFailed(err)
		return false, nil
	}

	// First check under the lock: is this one of ours, and still wanted?
	s.mu.Lock()
	if s.succeeded || s.failed || s.finished {
		s.mu.Unlock()
		return false, nil
	}
	blockNo := tab.BlockNumberOf(routingKey, s.present)
	if blockNo < 0 || s.present[blockNo] || s.presentCount >= s.Needed() {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	// Verification and decryption are slow; run them with no lock held.
	expected, err := tab.KeyAt(blockNo)
	if err != nil {
		return false, nil
	}
	if err := VerifyBlock(raw, expected); err != nil {
		log.Debugf("splitfile: segment %d rejected block %d: %v", s.segNo, blockNo, err)
		return false, nil
	}
	plaintext, err := DecodeBlock(raw, expected)
	if err != nil {
		log.Debugf("splitfile: segment %d rejected block %d: %v", s.segNo, blockNo, err)
		return false, nil
	}

	accepted, cross, err := s.commitBlock(blockNo, plaintext)
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, nil
	}

	// Block arrivals are rare; flush the status region synchronously.
	if err := s.flushStatus(); err != nil {
		return true, err
	}
	if cross != nil {
		cross.OnFetchedRelevantBlock(s, blockNo)
	}
	s.TryStartDecode()
	return true, nil
}

// OnDecodedBlock commits a block reconstructed elsewhere (cross-segment
// redistribution). Behaves exactly like an OnGotKey commit: the block
// is trusted, so no verification pass runs here.
func (s *SegmentStorage) OnDecodedBlock(blockNo int, plaintext []byte) (bool, error) {
	if len(plaintext) != BlockLength {
		return false, fmt.Errorf("decoded block must be %d bytes, got %d", BlockLength, len(plaintext))
	}
	accepted, cross, err := s.commitBlock(blockNo, plaintext)
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, nil
	}
	if err := s.flushStatus(); err != nil {
		return true, err
	}
	if cross != nil {
		cross.OnFetchedRelevantBlock(s, blockNo)
	}
	s.TryStartDecode()
	return true, nil
}

// commitBlock re-checks acceptance under the segment lock, allocates a
// free slot, writes the plaintext under both locks and updates the slot
// map and presence bitmap. The decision to commit is re-made under the
// lock because the caller verified with no lock held.
func (s *SegmentStorage) commitBlock(blockNo int, plaintext []byte) (bool, *CrossSegmentStorage, error) {
	s.mu.Lock()
	if s.succeeded || s.failed || s.finished || blockNo < 0 || blockNo >= s.Total() ||
		s.present[blockNo] || s.presentCount >= s.Needed() {
		s.mu.Unlock()
		return false, nil, nil
	}

	slot := -1
	for i, b := range s.slotBlock {
		if b < 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		// presentCount < Needed() guarantees a free slot
		s.mu.Unlock()
		log.Warnf("splitfile: segment %d has no free slot at presentCount=%d", s.segNo, s.presentCount)
		return false, nil, nil
	}

	lock := s.parent.raf.OpenLock()
	if err := lock.Pwrite(s.blockDataOffset+int64(slot)*BlockLength, plaintext); err != nil {
		// Nothing committed: slot map and presence are untouched.
		lock.Release()
		s.mu.Unlock()
		return false, nil, err
	}

	s.slotBlock[slot] = int16(blockNo)
	s.present[blockNo] = true
	s.presentCount++
	s.metadataDirty = true
	var cross *CrossSegmentStorage
	if blockNo < s.Needed() {
		cross = s.crossByBlock[blockNo]
		s.crossByBlock[blockNo] = nil
	}
	lock.Release()
	s.mu.Unlock()
	return true, cross, nil
}

// OnNonFatalFailure records a failed fetch attempt for a block. Retry
// policy lives in the fetcher; this only updates counters and requests
// a lazy metadata flush.
func (s *SegmentStorage) OnNonFatalFailure(blockNo int) {
	s.mu.Lock()
	if blockNo < 0 || blockNo >= s.Total() {
		s.mu.Unlock()
		return
	}
	if s.retries != nil {
		s.retries[blockNo]++
	}
	s.tried[blockNo] = true
	s.metadataDirty = true
	s.mu.Unlock()
	s.parent.lazyWriteMetadata()
}

// MarkTried records that a fetch for a block has been attempted. Drives
// healing: blocks that were tried but had to be reconstructed get
// re-inserted.
func (s *SegmentStorage) MarkTried(blockNo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blockNo < 0 || blockNo >= s.Total() {
		return
	}
	if !s.tried[blockNo] {
		s.tried[blockNo] = true
		s.metadataDirty = true
	}
}

// TryStartDecode submits a decode job if the segment has reached the
// decode threshold. Idempotent; returns false if the threshold is not
// met, a decode is already in flight, or the segment is terminal.
func (s *SegmentStorage) TryStartDecode() bool {
	s.mu.Lock()
	if s.succeeded || s.failed || s.finished || s.decodeRunning || s.presentCount < s.Needed() {
		s.mu.Unlock()
		return false
	}
	s.decodeRunning = true
	s.mu.Unlock()

	fec := s.parent.fec
	decodeOverhead := fec.MaxMemoryOverheadDecode(s.Needed(), s.checkBlocks)
	encodeOverhead := fec.MaxMemoryOverheadEncode(s.Needed(), s.checkBlocks)
	overhead := decodeOverhead
	if encodeOverhead > overhead {
		overhead = encodeOverhead
	}
	estimate := int64(s.Total())*BlockLength + overhead

	if err := s.parent.jobs.QueueJob(estimate, PriorityLow, s.runDecode); err != nil {
		log.Warnf("splitfile: segment %d decode not queued: %v", s.segNo, err)
		s.mu.Lock()
		s.decodeRunning = false
		s.mu.Unlock()
		return false
	}
	return true
}

// fail marks the segment terminally failed. Any event after this is
// rejected. A segment that has already succeeded is not marked failed.
func (s *SegmentStorage) fail() {
	s.mu.Lock()
	s.failed = s.failed || !s.succeeded
	s.mu.Unlock()
}

// statusLength returns the exact byte length of the status region.
func (s *SegmentStorage) statusLength() int {
	n := s.Total()
	length := 2*s.Needed() + n
	if s.retries != nil {
		length += 4 * n
	}
	return length
}

// paddedStatusLength returns the on-disk reservation for the status
// region. Equal to statusLength in this version; kept separate in case
// a future layout wants alignment padding.
func (s *SegmentStorage) paddedStatusLength() int {
	return s.statusLength()
}

// encodeStatus packs the mutable metadata under the segment lock:
// big-endian int16 slot map, optional int32 retry counters, then the
// tried flags as 0/1 bytes.
func (s *SegmentStorage) encodeStatus() []byte {
	var buf bytes.Buffer
	s.mu.Lock()
	for _, b := range s.slotBlock {
		binary.Write(&buf, binary.BigEndian, b)
	}
	if s.retries != nil {
		for _, r := range s.retries {
			binary.Write(&buf, binary.BigEndian, r)
		}
	}
	for _, t := range s.tried {
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	s.metadataDirty = false
	s.mu.Unlock()
	return buf.Bytes()
}

// flushStatus writes the status region. Serializes state under the
// segment lock, then performs the write with only the RAF lock held.
func (s *SegmentStorage) flushStatus() error {
	status := s.encodeStatus()
	if err := s.parent.raf.pwrite(s.statusOffset, status); err != nil {
		s.mu.Lock()
		s.metadataDirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// flushStatusIfDirty writes the status region only when it has changed
// since the last flush.
func (s *SegmentStorage) flushStatusIfDirty() error {
	s.mu.Lock()
	dirty := s.metadataDirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.flushStatus()
}

// readStatus restores the mutable metadata from the status region,
// rebuilding the presence bitmap from the slot map. Used when resuming
// a fetch from an existing scratch file.
func (s *SegmentStorage) readStatus() error {
	status := make([]byte, s.statusLength())
	if err := s.parent.raf.pread(s.statusOffset, status); err != nil {
		return err
	}
	r := bytes.NewReader(status)

	m := s.Needed()
	n := s.Total()
	slotBlock := make([]int16, m)
	for i := 0; i < m; i++ {
		if err := binary.Read(r, binary.BigEndian, &slotBlock[i]); err != nil {
			return fmt.Errorf("failed to parse slot map: %w", err)
		}
	}
	var retries []int32
	if s.retries != nil {
		retries = make([]int32, n)
		for i := 0; i < n; i++ {
			if err := binary.Read(r, binary.BigEndian, &retries[i]); err != nil {
				return fmt.Errorf("failed to parse retry counters: %w", err)
			}
		}
	}
	tried := make([]bool, n)
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to parse tried flags: %w", err)
		}
		tried[i] = b != 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	present := make([]bool, n)
	count := 0
	for i, b := range slotBlock {
		if b < 0 {
			continue
		}
		if int(b) >= n || present[b] {
			// Bogus cached index; drop it here, the decode
			// reconciliation pass will rewrite the region.
			slotBlock[i] = -1
			s.metadataDirty = true
			continue
		}
		present[b] = true
		count++
	}
	s.slotBlock = slotBlock
	s.present = present
	s.presentCount = count
	s.tried = tried
	if s.retries != nil {
		s.retries = retries
	}
	return nil
}

// WriteTo streams the segment's decoded data blocks in order. Only
// valid once the segment has succeeded: slots then hold the canonical
// layout, slot i = block i.
func (s *SegmentStorage) WriteTo(w io.Writer) (int64, error) {
	s.mu.Lock()
	if !s.succeeded {
		s.mu.Unlock()
		return 0, fmt.Errorf("segment %d has not succeeded", s.segNo)
	}
	s.mu.Unlock()

	var written int64
	buf := make([]byte, BlockLength)
	for i := 0; i < s.dataBlocks; i++ {
		if err := s.parent.raf.pread(s.blockDataOffset+int64(i)*BlockLength, buf); err != nil {
			return written, err
		}
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// readBlock returns the stored plaintext for a block number, or nil if
// the block is not present.
func (s *SegmentStorage) readBlock(blockNo int) ([]byte, error) {
	s.mu.Lock()
	slot := -1
	for i, b := range s.slotBlock {
		if int(b) == blockNo {
			slot = i
			break
		}
	}
	s.mu.Unlock()
	if slot < 0 {
		return nil, nil
	}
	buf := make([]byte, BlockLength)
	if err := s.parent.raf.pread(s.blockDataOffset+int64(slot)*BlockLength, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
