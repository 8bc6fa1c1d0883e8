// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package healer

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blubskye/gosplitfile/keys"
	"github.com/blubskye/gosplitfile/splitfile"
)

type fakeInserter struct {
	mu       sync.Mutex
	inserted [][]byte
	failures int // fail this many inserts before succeeding
}

func (f *fakeInserter) InsertBlock(ctx context.Context, block []byte, cryptoKey []byte, cryptoAlgorithm byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("node unreachable")
	}
	blockCopy := make([]byte, len(block))
	copy(blockCopy, block)
	f.inserted = append(f.inserted, blockCopy)
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func newTestQueue(t *testing.T, inserter Inserter, maxAttempts int) *Queue {
	t.Helper()
	q, err := NewQueue(filepath.Join(t.TempDir(), "heals.db"), inserter, maxAttempts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueuePersistAndDrain(t *testing.T) {
	ins := &fakeInserter{}
	q := newTestQueue(t, ins, 5)

	block := []byte{1, 2, 3, 4}
	key := make([]byte, 32)
	q.persist(healEntry{block: block, cryptoKey: key, cryptoAlgorithm: 3})

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	q.drainBatch(context.Background())

	pending, err = q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	require.Equal(t, 1, ins.count())
	assert.Equal(t, block, ins.inserted[0])
}

func TestQueueRetriesThenDrops(t *testing.T) {
	ins := &fakeInserter{failures: 10}
	q := newTestQueue(t, ins, 3)

	q.persist(healEntry{block: []byte{9}, cryptoKey: make([]byte, 32), cryptoAlgorithm: 3})

	// Attempts 1 and 2 leave the entry queued with a bumped counter.
	q.drainBatch(context.Background())
	q.drainBatch(context.Background())
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	var attempts int
	require.NoError(t, q.db.QueryRow(`SELECT attempts FROM heals`).Scan(&attempts))
	assert.Equal(t, 2, attempts)

	// Attempt 3 reaches the bound and the heal is dropped.
	q.drainBatch(context.Background())
	pending, err = q.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, ins.count())
}

func TestQueuePersistDerivesRoutingKey(t *testing.T) {
	ins := &fakeInserter{}
	q := newTestQueue(t, ins, 5)

	block := make([]byte, splitfile.BlockLength)
	key := make([]byte, 32)
	_, err := rand.Read(block)
	require.NoError(t, err)
	_, err = rand.Read(key)
	require.NoError(t, err)

	q.persist(healEntry{block: block, cryptoKey: key, cryptoAlgorithm: keys.AlgoAESCTR256SHA256})

	var stored []byte
	require.NoError(t, q.db.QueryRow(`SELECT routing_key FROM heals`).Scan(&stored))
	_, chk, err := splitfile.EncodeBlock(block, key, keys.AlgoAESCTR256SHA256)
	require.NoError(t, err)
	assert.Equal(t, chk.GetRoutingKey(), stored)

	// Undersized blocks cannot be encoded; the column stays NULL.
	q.persist(healEntry{block: []byte{1, 2}, cryptoKey: key, cryptoAlgorithm: keys.AlgoAESCTR256SHA256})
	var count int
	require.NoError(t, q.db.QueryRow(`SELECT COUNT(*) FROM heals WHERE routing_key IS NULL`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestQueueHealSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heals.db")
	ins := &fakeInserter{}

	q, err := NewQueue(path, ins, 5)
	require.NoError(t, err)
	q.persist(healEntry{block: []byte{7, 7}, cryptoKey: make([]byte, 32), cryptoAlgorithm: 3})
	require.NoError(t, q.Close())

	q2, err := NewQueue(path, ins, 5)
	require.NoError(t, err)
	defer q2.Close()

	pending, err := q2.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	q2.drainBatch(context.Background())
	assert.Equal(t, 1, ins.count())
}
