// Package journal keeps the in-progress run on disk so a crash or power cut
// on the bench PC does not lose a multi-hour acquisition. Readings are keyed
// by sequence number in a Pebble store; a clear truncates the journal.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"brickbench/reading"

	"github.com/cockroachdb/pebble"
)

const (
	metaRunKey     = "meta/run"
	readingPrefix  = "r/"
	readingUpper   = "r0" // '/'+1, exclusive upper bound for the reading prefix
	encodedRecord  = 8 + 8*3 + 1 // arrival unix nanos, three metrics, pressure flag
)

// Record is one journaled reading with its arrival time.
type Record struct {
	At      time.Time
	Reading reading.Reading
}

// Journal is a Pebble-backed log of the current run.
type Journal struct {
	db *pebble.DB

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the journal in dir.
func Open(dir string) (*Journal, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("journal: directory is empty")
	}
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("journal: %s exists and is not a directory", dir)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("journal: stat path: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: ensure directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append records reading r, received at at, as sequence seq (1-based) of the
// current run. Writes are not fsynced individually; Pebble's WAL is flushed on
// Reset and Close.
func (j *Journal) Append(seq int, at time.Time, r reading.Reading) error {
	if j == nil {
		return nil
	}
	if seq <= 0 {
		return fmt.Errorf("journal: invalid sequence %d", seq)
	}
	if err := j.db.Set(readingKey(uint64(seq)), encodeRecord(Record{At: at, Reading: r}), pebble.NoSync); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Reset drops all journaled readings and records runID as the current run.
func (j *Journal) Reset(runID string) error {
	if j == nil {
		return nil
	}
	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange([]byte(readingPrefix), []byte(readingUpper), nil); err != nil {
		return fmt.Errorf("journal: reset range: %w", err)
	}
	if err := batch.Set([]byte(metaRunKey), []byte(runID), nil); err != nil {
		return fmt.Errorf("journal: reset run id: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("journal: reset commit: %w", err)
	}
	return nil
}

// Load returns the journaled run id and records in sequence order.
func (j *Journal) Load() (string, []Record, error) {
	if j == nil {
		return "", nil, nil
	}
	runID, err := j.loadRunID()
	if err != nil {
		return "", nil, err
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(readingPrefix),
		UpperBound: []byte(readingUpper),
	})
	if err != nil {
		return "", nil, fmt.Errorf("journal: iterator: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return "", nil, fmt.Errorf("journal: key %x: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return "", nil, fmt.Errorf("journal: iterate: %w", err)
	}
	return runID, out, nil
}

func (j *Journal) loadRunID() (string, error) {
	value, closer, err := j.db.Get([]byte(metaRunKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("journal: read run id: %w", err)
	}
	defer closer.Close()
	return string(value), nil
}

// Close flushes and closes the store. Safe for repeated calls.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.db.Flush(); err != nil {
		_ = j.db.Close()
		return fmt.Errorf("journal: flush: %w", err)
	}
	return j.db.Close()
}

func readingKey(seq uint64) []byte {
	key := make([]byte, len(readingPrefix)+8)
	copy(key, readingPrefix)
	binary.BigEndian.PutUint64(key[len(readingPrefix):], seq)
	return key
}

func encodeRecord(rec Record) []byte {
	buf := make([]byte, encodedRecord)
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.At.UnixNano()))
	r := rec.Reading
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(r.Temperature))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(r.Pressure))
	binary.BigEndian.PutUint64(buf[24:32], math.Float64bits(r.Humidity))
	if r.HasPressure {
		buf[32] = 1
	}
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) != encodedRecord {
		return Record{}, fmt.Errorf("corrupt record: %d bytes", len(buf))
	}
	return Record{
		At: time.Unix(0, int64(binary.BigEndian.Uint64(buf[0:8]))).UTC(),
		Reading: reading.Reading{
			Temperature: math.Float64frombits(binary.BigEndian.Uint64(buf[8:16])),
			Pressure:    math.Float64frombits(binary.BigEndian.Uint64(buf[16:24])),
			Humidity:    math.Float64frombits(binary.BigEndian.Uint64(buf[24:32])),
			HasPressure: buf[32] == 1,
		},
	}, nil
}
