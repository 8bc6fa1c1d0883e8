// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package healer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/blubskye/gosplitfile/splitfile"
)

// Inserter pushes a healed block back into the network. The network
// client itself is out of scope; tests and tools plug their own.
type Inserter interface {
	InsertBlock(ctx context.Context, block []byte, cryptoKey []byte, cryptoAlgorithm byte) error
}

// healEntry is one queued heal.
type healEntry struct {
	id              int64
	block           []byte
	cryptoKey       []byte
	cryptoAlgorithm byte
	attempts        int
}

// Queue is a persistent heal queue. QueueHeal never blocks the caller:
// entries pass through a buffered channel into a writer goroutine and
// land in a SQLite table, so queued heals survive restarts. A drain
// loop pops entries and hands them to the Inserter, retrying a bounded
// number of times.
type Queue struct {
	db          *sql.DB
	inserter    Inserter
	maxAttempts int

	incoming chan healEntry
	stop     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue opens or creates the heal database at path.
func NewQueue(path string, inserter Inserter, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open heal database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS heals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		routing_key BLOB,
		crypto_key BLOB NOT NULL,
		crypto_algo INTEGER NOT NULL,
		block BLOB NOT NULL,
		queued_at TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create heals table: %w", err)
	}

	return &Queue{
		db:          db,
		inserter:    inserter,
		maxAttempts: maxAttempts,
		incoming:    make(chan healEntry, 64),
		stop:        make(chan struct{}),
	}, nil
}

// QueueHeal implements splitfile.Healer. Fire-and-forget: if the
// buffer is full the heal is dropped with a warning.
func (q *Queue) QueueHeal(block []byte, cryptoKey []byte, cryptoAlgorithm byte) {
	blockCopy := make([]byte, len(block))
	copy(blockCopy, block)
	keyCopy := make([]byte, len(cryptoKey))
	copy(keyCopy, cryptoKey)

	select {
	case q.incoming <- healEntry{block: blockCopy, cryptoKey: keyCopy, cryptoAlgorithm: cryptoAlgorithm}:
	default:
		log.Warnf("healer: queue buffer full, dropping heal")
	}
}

// Start launches the writer and drain loops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(2)
	go q.writerLoop(ctx)
	go q.drainLoop(ctx)
}

// Close stops the loops and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	q.wg.Wait()
	return q.db.Close()
}

// Pending returns the number of heals waiting in the database.
func (q *Queue) Pending() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM heals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count heals: %w", err)
	}
	return n, nil
}

func (q *Queue) writerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			// Drain what is buffered before exiting so nothing is lost.
			for {
				select {
				case entry := <-q.incoming:
					q.persist(entry)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case entry := <-q.incoming:
			q.persist(entry)
		}
	}
}

func (q *Queue) persist(entry healEntry) {
	_, err := q.db.Exec(
		`INSERT INTO heals (routing_key, crypto_key, crypto_algo, block, queued_at) VALUES (?, ?, ?, ?, ?)`,
		deriveRoutingKey(entry), entry.cryptoKey, entry.cryptoAlgorithm, entry.block, time.Now().UTC(),
	)
	if err != nil {
		log.Errorf("healer: failed to persist heal: %v", err)
	}
}

// deriveRoutingKey recomputes the CHK routing key a heal will insert
// under. Queued on the writer goroutine so the fire-and-forget caller
// never pays for the encode. Nil for blocks that cannot be encoded.
func deriveRoutingKey(entry healEntry) []byte {
	if len(entry.block) != splitfile.BlockLength {
		return nil
	}
	_, key, err := splitfile.EncodeBlock(entry.block, entry.cryptoKey, entry.cryptoAlgorithm)
	if err != nil {
		log.Warnf("healer: failed to derive routing key: %v", err)
		return nil
	}
	return key.GetRoutingKey()
}

func (q *Queue) drainLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainBatch(ctx)
		}
	}
}

func (q *Queue) drainBatch(ctx context.Context) {
	rows, err := q.db.Query(
		`SELECT id, crypto_key, crypto_algo, block, attempts FROM heals ORDER BY id LIMIT 16`)
	if err != nil {
		log.Errorf("healer: failed to read heals: %v", err)
		return
	}
	var batch []healEntry
	for rows.Next() {
		var entry healEntry
		var algo int
		if err := rows.Scan(&entry.id, &entry.cryptoKey, &algo, &entry.block, &entry.attempts); err != nil {
			log.Errorf("healer: failed to scan heal: %v", err)
			continue
		}
		entry.cryptoAlgorithm = byte(algo)
		batch = append(batch, entry)
	}
	rows.Close()

	for _, entry := range batch {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := q.inserter.InsertBlock(ctx, entry.block, entry.cryptoKey, entry.cryptoAlgorithm)
		if err == nil {
			if _, err := q.db.Exec(`DELETE FROM heals WHERE id = ?`, entry.id); err != nil {
				log.Errorf("healer: failed to delete heal %d: %v", entry.id, err)
			}
			continue
		}

		if entry.attempts+1 >= q.maxAttempts {
			log.Warnf("healer: dropping heal %d after %d attempts: %v", entry.id, entry.attempts+1, err)
			if _, err := q.db.Exec(`DELETE FROM heals WHERE id = ?`, entry.id); err != nil {
				log.Errorf("healer: failed to delete heal %d: %v", entry.id, err)
			}
			continue
		}
		if _, err := q.db.Exec(`UPDATE heals SET attempts = attempts + 1 WHERE id = ?`, entry.id); err != nil {
			log.Errorf("healer: failed to update heal %d: %v", entry.id, err)
		}
	}
}
