package splitfile

import (
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blubskye/gosplitfile/keys"
	"github.com/stretchr/testify/require"
)

// segFixture is a synthetic segment: plaintexts, encoded raw blocks and
// the key table, built the way the insert side would.
type segFixture struct {
	cryptoKey []byte
	plain     [][]byte // N plaintexts, FEC-consistent
	raws      [][]byte // N raw blocks (headers || ciphertext)
	routing   [][]byte // N routing keys
	keys      *SegmentKeys
}

func makeSegmentFixture(t *testing.T, d, x, c int) *segFixture {
	t.Helper()
	m := d + x
	n := m + c

	cryptoKey := make([]byte, keys.ClientCHKCryptoKeyLength)
	_, err := rand.Read(cryptoKey)
	require.NoError(t, err)

	plain := make([][]byte, n)
	for i := 0; i < m; i++ {
		plain[i] = make([]byte, BlockLength)
		_, err := rand.Read(plain[i])
		require.NoError(t, err)
	}
	check := make([][]byte, c)
	for i := range check {
		check[i] = make([]byte, BlockLength)
	}
	require.NoError(t, NewReedSolomonCodec().Encode(plain[:m], check, nil, BlockLength))
	for i := 0; i < c; i++ {
		plain[m+i] = check[i]
	}

	raws := make([][]byte, n)
	routing := make([][]byte, n)
	for i := 0; i < n; i++ {
		raw, key, err := EncodeBlock(plain[i], cryptoKey, keys.AlgoAESCTR256SHA256)
		require.NoError(t, err)
		raws[i] = raw
		routing[i] = key.GetRoutingKey()
	}

	tab, err := NewSegmentKeys(cryptoKey, keys.AlgoAESCTR256SHA256, routing)
	require.NoError(t, err)

	return &segFixture{
		cryptoKey: cryptoKey,
		plain:     plain,
		raws:      raws,
		routing:   routing,
		keys:      tab,
	}
}

// testCallback records engine events.
type testCallback struct {
	mu        sync.Mutex
	succeeded []int
	finished  []int
	segFailed []int
	failedErr error
}

func (cb *testCallback) OnSegmentSucceeded(segNo int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.succeeded = append(cb.succeeded, segNo)
}

func (cb *testCallback) OnSegmentFinished(segNo int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.finished = append(cb.finished, segNo)
}

func (cb *testCallback) OnSegmentFailed(segNo int, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.segFailed = append(cb.segFailed, segNo)
}

func (cb *testCallback) OnSplitfileFailed(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failedErr = err
}

// testHealer records queued heals.
type testHealer struct {
	mu    sync.Mutex
	heals [][]byte
}

func (h *testHealer) QueueHeal(block []byte, cryptoKey []byte, cryptoAlgorithm byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	blockCopy := make([]byte, len(block))
	copy(blockCopy, block)
	h.heals = append(h.heals, blockCopy)
}

func (h *testHealer) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.heals)
}

type testEnv struct {
	raf     *RAF
	jobs    *MemJobRunner
	cb      *testCallback
	healer  *testHealer
	storage *SplitFileFetcherStorage
}

// newTestEnv builds a storage over a temp scratch file.
func newTestEnv(t *testing.T, params Params) *testEnv {
	t.Helper()
	raf, err := OpenRAF(filepath.Join(t.TempDir(), "scratch.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { raf.Close() })

	jobs := NewMemJobRunner(2, 256<<20)
	t.Cleanup(jobs.Stop)

	cb := &testCallback{}
	h := &testHealer{}
	storage, err := NewSplitFileFetcherStorage(raf, NewReedSolomonCodec(), jobs, cb, h, params)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	return &testEnv{raf: raf, jobs: jobs, cb: cb, healer: h, storage: storage}
}

func singleSegmentParams(fx *segFixture, d, x, c int) Params {
	return Params{
		Segments: []SegmentParams{{
			DataBlocks:       d,
			CrossCheckBlocks: x,
			CheckBlocks:      c,
			Keys:             fx.keys,
		}},
	}
}

func waitFinished(t *testing.T, seg *SegmentStorage) {
	t.Helper()
	require.Eventually(t, seg.Finished, 5*time.Second, 10*time.Millisecond,
		"segment %d did not finish", seg.SegNo())
}

// presentAt reads one presence bit under the segment lock.
func presentAt(s *SegmentStorage, blockNo int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[blockNo]
}

// checkInvariants asserts the universal invariants that must hold
// after every public operation.
func checkInvariants(t *testing.T, s *SegmentStorage) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, p := range s.present {
		if p {
			count++
		}
	}
	require.Equal(t, count, s.presentCount, "present count must match bitmap")
	require.GreaterOrEqual(t, s.presentCount, 0)
	require.LessOrEqual(t, s.presentCount, s.Total())

	seen := make(map[int16]bool)
	for _, b := range s.slotBlock {
		if b < 0 {
			continue
		}
		require.Less(t, int(b), s.Total(), "slot block number in range")
		require.False(t, seen[b], "slot block numbers pairwise distinct")
		seen[b] = true
	}

	if s.succeeded {
		for i := 0; i < s.Needed(); i++ {
			require.Equal(t, int16(i), s.slotBlock[i], "succeeded implies canonical slots")
			require.True(t, s.present[i])
		}
	}
	if s.finished {
		require.True(t, s.succeeded, "finished implies succeeded")
	}
	if s.failed {
		require.False(t, s.succeeded, "failed excludes succeeded")
	}
}
