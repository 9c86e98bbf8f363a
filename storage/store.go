package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/encoding"
)

// ErrClosed is returned by every operation on a closed store
var ErrClosed = errors.New("store is closed")

// Key prefixes for Pebble storage
const (
	keyIngestCursor      = "/ingest/cursor" // last ingested paging token
	prefixNotification   = "/notif/"        // /notif/{16-digit-zero-padded-seq}
	prefixDeliveryCursor = "/delivery/"     // /delivery/{sinkName}
	keyNotificationSeq   = "/notifseq"      // last assigned notification seq
)

// Pebble configuration constants
const (
	memTableSize                = 32 << 20 // 32MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 128 << 20 // 128MB
	maxConcurrentCompactions    = 2
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // cleanup every 128 sequences
)

// Store keeps the ingestion cursor and the notification log in one Pebble
// database. Notification sequence numbers are the durable notification ids;
// each delivery sink tracks its own position in the log.
type Store struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	nextSeq  atomic.Uint64
	appendMu sync.Mutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// Open creates or opens the store under dataDir
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "notifier_db")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dbPath, err)
	}

	s := &Store{
		db:      db,
		path:    dbPath,
		cursors: make(map[string]uint64),
	}

	if err := s.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load notification sequence: %w", err)
	}

	if err := s.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load delivery cursors: %w", err)
	}

	return s, nil
}

func (s *Store) loadNextSeq() error {
	val, closer, err := s.db.Get([]byte(keyNotificationSeq))
	if errors.Is(err, pebble.ErrNotFound) {
		s.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	s.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (s *Store) loadCursors() error {
	prefix := []byte(prefixDeliveryCursor)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixDeliveryCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", name, len(val))
		}
		s.cursors[name] = binary.LittleEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(s.cursors) > 0 {
		log.Info().Int("cursors", len(s.cursors)).Msg("Loaded delivery cursors")
	}
	return nil
}

// GetLastIngested returns the paging token of the last fully processed
// transaction, or "" if nothing was ingested yet.
func (s *Store) GetLastIngested() (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	val, closer, err := s.db.Get([]byte(keyIngestCursor))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read ingest cursor: %w", err)
	}
	defer closer.Close()

	return string(val), nil
}

// SetLastIngested persists the paging token of the last processed transaction
func (s *Store) SetLastIngested(token string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.db.Set([]byte(keyIngestCursor), []byte(token), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write ingest cursor: %w", err)
	}
	return nil
}

// Append stores notifications and assigns their sequence numbers.
// The input slice is modified in place.
func (s *Store) Append(records []Notification) error {
	if len(records) == 0 {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}

	// Sequence reservation and commit must not interleave between callers
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	localSeq := s.nextSeq.Load()

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range records {
		localSeq++
		records[i].Seq = localSeq

		val, err := encoding.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}

		if err := batch.Set([]byte(formatNotificationKey(localSeq)), val, nil); err != nil {
			return fmt.Errorf("failed to write notification: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, localSeq)
	if err := batch.Set([]byte(keyNotificationSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		for i := range records {
			records[i].Seq = 0
		}
		return fmt.Errorf("failed to commit notifications: %w", err)
	}

	s.nextSeq.Store(localSeq)
	return nil
}

// LastSeq returns the sequence number of the newest notification
func (s *Store) LastSeq() uint64 {
	return s.nextSeq.Load()
}

// ReadFrom reads notifications after cursor, up to limit entries
func (s *Store) ReadFrom(cursor uint64, limit int) ([]Notification, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatNotificationKey(cursor + 1))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixNotification)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Notification, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var record Notification
		if err := encoding.Unmarshal(val, &record); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal notification")
			continue
		}
		records = append(records, record)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetCursor returns the delivery cursor of a sink (0 for a new sink)
func (s *Store) GetCursor(sinkName string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.cursorsMu.RLock()
	defer s.cursorsMu.RUnlock()
	return s.cursors[sinkName], nil
}

// AdvanceCursor records that a sink delivered everything up to newSeq
func (s *Store) AdvanceCursor(sinkName string, newSeq uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newSeq)
	if err := s.db.Set([]byte(prefixDeliveryCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	s.cursorsMu.Lock()
	s.cursors[sinkName] = newSeq
	s.cursorsMu.Unlock()

	if newSeq&cleanupIntervalMask == 0 {
		if s.cleanupRunning.CompareAndSwap(false, true) {
			s.cleanupWg.Add(1)
			go s.cleanupAsync()
		}
	}

	return nil
}

// cleanup deletes notifications every sink has already delivered
func (s *Store) cleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if s.closed.Load() {
		return
	}

	s.cursorsMu.RLock()
	if len(s.cursors) == 0 {
		s.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range s.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	s.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	startKey := []byte(prefixNotification)
	endKey := []byte(formatNotificationKey(minCursor))
	if err := s.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up notification log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up notification log")
}

func (s *Store) cleanupAsync() {
	defer s.cleanupWg.Done()
	defer s.cleanupRunning.Store(false)
	s.cleanup()
}

// Close waits for in-flight cleanup and closes the database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	s.cleanupWg.Wait()
	return s.db.Close()
}

func formatNotificationKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixNotification, seq)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
