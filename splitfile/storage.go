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
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Version of the fixed metadata descriptor.
const Version = 1

// Healer accepts reconstructed blocks for re-insertion into the
// network. Fire-and-forget.
type Healer interface {
	QueueHeal(block []byte, cryptoKey []byte, cryptoAlgorithm byte)
}

// FetcherCallback receives lifecycle events from the storage engine.
type FetcherCallback interface {
	// OnSegmentSucceeded fires when a segment's data is fully decoded.
	OnSegmentSucceeded(segNo int)
	// OnSegmentFinished fires when a segment's healing/encoding pass
	// is also done.
	OnSegmentFinished(segNo int)
	// OnSegmentFailed fires when a segment becomes terminally failed.
	OnSegmentFailed(segNo int, err error)
	// OnSplitfileFailed fires once when the whole splitfile fails.
	OnSplitfileFailed(err error)
}

// SegmentParams describes one segment's geometry and keys.
type SegmentParams struct {
	DataBlocks       int // D
	CrossCheckBlocks int // X
	CheckBlocks      int // C
	Keys             *SegmentKeys
}

// Params describes a whole splitfile fetch.
type Params struct {
	Segments []SegmentParams

	// Cross-segment FEC layer; zero CrossSegmentDataBlocks disables it.
	CrossSegmentDataBlocks  int
	CrossSegmentCheckBlocks int
	CrossSegmentSeed        int64

	// RetryTracking enables per-block retry counters in the status
	// region.
	RetryTracking bool

	// DataLength truncates WriteOut to the payload's true length;
	// zero streams all data blocks in full.
	DataLength int64

	// KeyCacheSize bounds the reclaimable key-table cache; zero uses
	// a default.
	KeyCacheSize int

	// FlushInterval is the lazy metadata flush period; zero uses a
	// default.
	FlushInterval time.Duration
}

// SplitFileFetcherStorage owns the backing file, the FEC codec, the
// memory-limited job queue, and the segment and cross-segment vectors.
// It routes arriving keys to the right segment and streams the
// reconstructed payload out.
type SplitFileFetcherStorage struct {
	raf    *RAF
	fec    FECCodec
	jobs   *MemJobRunner
	cb     FetcherCallback
	healer Healer

	segments      []*SegmentStorage
	crossSegments []*CrossSegmentStorage
	dataLength    int64
	flushInterval time.Duration

	keyCache *lru.Cache[int, *SegmentKeys]

	fixedMetadataOffset int64

	mu        sync.Mutex
	failed    bool
	flushStop chan struct{}
	closed    bool
}

// NewSplitFileFetcherStorage creates the storage for a fresh fetch:
// computes the region layout, writes every segment's key list and the
// fixed metadata descriptor, and leaves all slots empty.
func NewSplitFileFetcherStorage(raf *RAF, fec FECCodec, jobs *MemJobRunner, cb FetcherCallback, healer Healer, params Params) (*SplitFileFetcherStorage, error) {
	p, err := buildStorage(raf, fec, jobs, cb, healer, params)
	if err != nil {
		return nil, err
	}

	// Key lists are written once at construction; status regions are
	// flushed so a crash right after construction resumes cleanly.
	for i, seg := range p.segments {
		var buf bytes.Buffer
		if _, err := params.Segments[i].Keys.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("failed to serialize segment %d key list: %w", i, err)
		}
		if err := raf.pwrite(seg.keyListOffset, buf.Bytes()); err != nil {
			return nil, err
		}
		if err := seg.flushStatus(); err != nil {
			return nil, err
		}
	}
	if err := p.writeFixedMetadata(); err != nil {
		return nil, err
	}
	p.startFlusher()
	return p, nil
}

// ResumeSplitFileFetcherStorage reconstructs the storage over an
// existing scratch file, restoring each segment's mutable state from
// its status region. Constructed with the same parameters and offsets,
// it reproduces the in-memory state as of the last flush.
func ResumeSplitFileFetcherStorage(raf *RAF, fec FECCodec, jobs *MemJobRunner, cb FetcherCallback, healer Healer, params Params) (*SplitFileFetcherStorage, error) {
	p, err := buildStorage(raf, fec, jobs, cb, healer, params)
	if err != nil {
		return nil, err
	}
	for _, seg := range p.segments {
		if err := seg.readStatus(); err != nil {
			return nil, err
		}
	}
	p.startFlusher()
	return p, nil
}

func buildStorage(raf *RAF, fec FECCodec, jobs *MemJobRunner, cb FetcherCallback, healer Healer, params Params) (*SplitFileFetcherStorage, error) {
	if len(params.Segments) == 0 {
		return nil, fmt.Errorf("splitfile must have at least one segment")
	}
	cacheSize := params.KeyCacheSize
	if cacheSize <= 0 {
		cacheSize = 16
	}
	keyCache, err := lru.New[int, *SegmentKeys](cacheSize)
	if err != nil {
		return nil, err
	}
	flushInterval := params.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	p := &SplitFileFetcherStorage{
		raf:           raf,
		fec:           fec,
		jobs:          jobs,
		cb:            cb,
		healer:        healer,
		dataLength:    params.DataLength,
		flushInterval: flushInterval,
		keyCache:      keyCache,
		flushStop:     make(chan struct{}),
	}

	for i, sp := range params.Segments {
		if sp.DataBlocks <= 0 || sp.CheckBlocks < 0 || sp.CrossCheckBlocks < 0 {
			return nil, fmt.Errorf("segment %d has invalid geometry D=%d X=%d C=%d", i, sp.DataBlocks, sp.CrossCheckBlocks, sp.CheckBlocks)
		}
		seg := newSegmentStorage(p, i, sp.DataBlocks, sp.CrossCheckBlocks, sp.CheckBlocks, params.RetryTracking)
		if sp.Keys == nil || sp.Keys.Count() != seg.Total() {
			return nil, fmt.Errorf("segment %d key table must hold %d keys", i, seg.Total())
		}
		p.segments = append(p.segments, seg)
		p.keyCache.Add(i, sp.Keys)
	}

	// Region layout: all block data regions, then all status regions,
	// then all key lists, then the fixed metadata descriptor.
	off := int64(0)
	for _, seg := range p.segments {
		seg.blockDataOffset = off
		off += int64(seg.Needed()) * BlockLength
	}
	for _, seg := range p.segments {
		seg.statusOffset = off
		off += int64(seg.paddedStatusLength())
	}
	for _, seg := range p.segments {
		seg.keyListOffset = off
		off += int64(SegmentKeysStoredLength(seg.Total()))
	}
	p.fixedMetadataOffset = off

	if params.CrossSegmentDataBlocks > 0 {
		crosses, err := allocateCrossSegments(p, p.segments,
			params.CrossSegmentDataBlocks, params.CrossSegmentCheckBlocks, params.CrossSegmentSeed)
		if err != nil {
			return nil, err
		}
		p.crossSegments = crosses
	}
	return p, nil
}

// Segments returns the segment vector.
func (p *SplitFileFetcherStorage) Segments() []*SegmentStorage {
	return p.segments
}

// CrossSegments returns the cross-segment vector.
func (p *SplitFileFetcherStorage) CrossSegments() []*CrossSegmentStorage {
	return p.crossSegments
}

// segmentKeys loads a segment's key table through the cache. The cache
// may have reclaimed the table at any time; a miss re-reads the key
// list region and re-verifies its CRC.
func (p *SplitFileFetcherStorage) segmentKeys(s *SegmentStorage) (*SegmentKeys, error) {
	if tab, ok := p.keyCache.Get(s.segNo); ok {
		return tab, nil
	}
	buf := make([]byte, SegmentKeysStoredLength(s.Total()))
	if err := p.raf.pread(s.keyListOffset, buf); err != nil {
		return nil, err
	}
	tab, err := ReadSegmentKeys(bytes.NewReader(buf), s.Total())
	if err != nil {
		return nil, err
	}
	p.keyCache.Add(s.segNo, tab)
	return tab, nil
}

// RouteBlock hands an arriving (routing key, raw block) pair to the
// first segment that wants it. Returns true if some segment accepted
// and committed the block.
func (p *SplitFileFetcherStorage) RouteBlock(routingKey, raw []byte) bool {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	for _, seg := range p.segments {
		if !seg.DefinitelyWantKey(routingKey) {
			continue
		}
		accepted, err := seg.OnGotKey(routingKey, raw)
		if err != nil {
			p.FailOnDiskError(err)
			return false
		}
		if accepted {
			return true
		}
	}
	return false
}

// AllSucceeded reports whether every segment has decoded successfully.
func (p *SplitFileFetcherStorage) AllSucceeded() bool {
	for _, seg := range p.segments {
		if !seg.Succeeded() {
			return false
		}
	}
	return true
}

// WriteOut streams the reconstructed payload by concatenating the
// segments' data blocks, truncated to the configured data length.
func (p *SplitFileFetcherStorage) WriteOut(w io.Writer) (int64, error) {
	var limited io.Writer = w
	var lw *limitWriter
	if p.dataLength > 0 {
		lw = &limitWriter{w: w, remaining: p.dataLength}
		limited = lw
	}
	var written int64
	for _, seg := range p.segments {
		n, err := seg.WriteTo(limited)
		written += n
		if err != nil {
			return written, err
		}
	}
	if lw != nil {
		written = p.dataLength - lw.remaining
	}
	return written, nil
}

// limitWriter silently discards everything past the payload length.
type limitWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitWriter) Write(b []byte) (int, error) {
	if l.remaining <= 0 {
		return len(b), nil
	}
	take := int64(len(b))
	if take > l.remaining {
		take = l.remaining
	}
	n, err := l.w.Write(b[:take])
	l.remaining -= int64(n)
	if err != nil {
		return n, err
	}
	return len(b), nil
}

// FailOnDiskError marks the whole splitfile failed after a backing
// file I/O error. Idempotent.
func (p *SplitFileFetcherStorage) FailOnDiskError(err error) {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.mu.Unlock()

	log.Errorf("splitfile: disk error, failing whole splitfile: %v", err)
	for _, seg := range p.segments {
		seg.fail()
	}
	for _, cross := range p.crossSegments {
		cross.mu.Lock()
		cross.failed = true
		cross.mu.Unlock()
	}
	if p.cb != nil {
		p.cb.OnSplitfileFailed(err)
	}
}

// Cancel marks every segment failed; in-flight decode tasks notice at
// their next cancellation check and exit without writing.
func (p *SplitFileFetcherStorage) Cancel() {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.mu.Unlock()

	for _, seg := range p.segments {
		seg.fail()
	}
	for _, cross := range p.crossSegments {
		cross.mu.Lock()
		cross.failed = true
		cross.mu.Unlock()
	}
}

// Failed reports whether the splitfile is terminally failed.
func (p *SplitFileFetcherStorage) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Close stops the background flusher and writes out any dirty
// metadata. Does not close the RAF; the caller owns it.
func (p *SplitFileFetcherStorage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.flushStop)
	p.mu.Unlock()
	return p.flushDirtySegments()
}

// lazyWriteMetadata records that some segment is dirty. The background
// flusher coalesces these into periodic writes.
func (p *SplitFileFetcherStorage) lazyWriteMetadata() {
	// Dirtiness already lives on the segments; this is just the hook
	// for a future explicit wake-up of the flusher.
}

func (p *SplitFileFetcherStorage) startFlusher() {
	go func() {
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.flushStop:
				return
			case <-ticker.C:
				if err := p.flushDirtySegments(); err != nil {
					p.FailOnDiskError(err)
					return
				}
			}
		}
	}()
}

func (p *SplitFileFetcherStorage) flushDirtySegments() error {
	for _, seg := range p.segments {
		if err := seg.flushStatusIfDirty(); err != nil {
			return err
		}
	}
	return nil
}

// queueHeal hands a reconstructed block to the healer, if any.
func (p *SplitFileFetcherStorage) queueHeal(block, cryptoKey []byte, cryptoAlgorithm byte) {
	if p.healer == nil {
		return
	}
	p.healer.QueueHeal(block, cryptoKey, cryptoAlgorithm)
}

func (p *SplitFileFetcherStorage) segmentSucceeded(s *SegmentStorage) {
	if p.cb != nil {
		p.cb.OnSegmentSucceeded(s.segNo)
	}
}

func (p *SplitFileFetcherStorage) segmentFinished(s *SegmentStorage) {
	if p.cb != nil {
		p.cb.OnSegmentFinished(s.segNo)
	}
}

func (p *SplitFileFetcherStorage) segmentFailed(s *SegmentStorage, err error) {
	if p.cb != nil {
		p.cb.OnSegmentFailed(s.segNo, err)
	}
}

// writeFixedMetadata emits the immutable descriptor: a big-endian
// 16-bit version, the segment count, a retry-tracking flag, then per
// segment the 32-bit fields D, X, C, padded status length and key-list
// length.
func (p *SplitFileFetcherStorage) writeFixedMetadata() error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(Version))
	binary.Write(&buf, binary.BigEndian, uint32(len(p.segments)))
	retryTracking := byte(0)
	if len(p.segments) > 0 && p.segments[0].retries != nil {
		retryTracking = 1
	}
	buf.WriteByte(retryTracking)
	for _, seg := range p.segments {
		binary.Write(&buf, binary.BigEndian, uint32(seg.dataBlocks))
		binary.Write(&buf, binary.BigEndian, uint32(seg.crossCheckBlocks))
		binary.Write(&buf, binary.BigEndian, uint32(seg.checkBlocks))
		binary.Write(&buf, binary.BigEndian, uint32(seg.paddedStatusLength()))
		binary.Write(&buf, binary.BigEndian, uint32(SegmentKeysStoredLength(seg.Total())))
	}
	return p.raf.pwrite(p.fixedMetadataOffset, buf.Bytes())
}

// FixedMetadata is a parsed fixed metadata descriptor.
type FixedMetadata struct {
	Version       uint16
	RetryTracking bool
	Segments      []FixedSegmentMetadata
}

// FixedSegmentMetadata is one segment's immutable geometry.
type FixedSegmentMetadata struct {
	DataBlocks       uint32
	CrossCheckBlocks uint32
	CheckBlocks      uint32
	PaddedStatusLen  uint32
	KeyListLen       uint32
}

// ParseFixedMetadata reads a descriptor from r.
func ParseFixedMetadata(r io.Reader) (*FixedMetadata, error) {
	var md FixedMetadata
	if err := binary.Read(r, binary.BigEndian, &md.Version); err != nil {
		return nil, fmt.Errorf("failed to read metadata version: %w", err)
	}
	if md.Version != Version {
		return nil, fmt.Errorf("unsupported metadata version %d", md.Version)
	}
	var segCount uint32
	if err := binary.Read(r, binary.BigEndian, &segCount); err != nil {
		return nil, fmt.Errorf("failed to read segment count: %w", err)
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, fmt.Errorf("failed to read retry flag: %w", err)
	}
	md.RetryTracking = flag[0] != 0
	md.Segments = make([]FixedSegmentMetadata, segCount)
	for i := range md.Segments {
		if err := binary.Read(r, binary.BigEndian, &md.Segments[i]); err != nil {
			return nil, fmt.Errorf("failed to read segment %d metadata: %w", i, err)
		}
	}
	return &md, nil
}
