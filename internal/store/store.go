// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package store is the durable, thread-safe append-only store the capture
// core writes to (spec §6.2). It is backed by badger the same way the
// teacher's resource inventory is, but the schema here is a flat
// Run/SystemSample/ProcessSample/... append log rather than an RDF
// resource/relationship graph: every record is keyed by a badger sequence
// rather than a content hash, because this domain needs monotonically
// increasing ids, not content-addressing.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/antimetal/scenariotel/internal/errors"
)

type keyPart = []byte

var (
	runKey    = keyPart("run")
	sysKey    = keyPart("sys")
	procKey   = keyPart("proc")
	rtKey     = keyPart("rt")
	httpKey   = keyPart("http")
	dmvKey    = keyPart("dmv")
	markerKey = keyPart("marker")
)

// Store is the thread-safe badger-backed record store. It is opened once
// per process and shared by every writer (Orchestrator, DMV sampler, HTTP
// reconstructor, process tracker).
type Store struct {
	mu     sync.RWMutex
	closed bool

	db      *badger.DB
	opGauge atomic.Int32

	runSeq    *badger.Sequence
	sysSeq    *badger.Sequence
	procSeq   *badger.Sequence
	rtSeq     *badger.Sequence
	httpSeq   *badger.Sequence
	dmvSeq    *badger.Sequence
	markerSeq *badger.Sequence
}

// Open opens a badger-backed store at path. An empty path opens an
// in-memory database, used by tests and by ephemeral scenario runs that
// only care about the lifetime of one invocation.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(errors.Fatal, fmt.Errorf("open store: %w", err))
	}

	s := &Store{db: db}
	const bandwidth = 100
	for _, seq := range []struct {
		name string
		dst  **badger.Sequence
	}{
		{"seq:run", &s.runSeq},
		{"seq:sys", &s.sysSeq},
		{"seq:proc", &s.procSeq},
		{"seq:rt", &s.rtSeq},
		{"seq:http", &s.httpSeq},
		{"seq:dmv", &s.dmvSeq},
		{"seq:marker", &s.markerSeq},
	} {
		sq, err := db.GetSequence([]byte(seq.name), bandwidth)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(errors.Fatal, fmt.Errorf("acquire sequence %s: %w", seq.name, err))
		}
		*seq.dst = sq
	}
	return s, nil
}

// Close releases all sequences and closes the underlying database. It is
// idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sq := range []*badger.Sequence{s.runSeq, s.sysSeq, s.procSeq, s.rtSeq, s.httpSeq, s.dmvSeq, s.markerSeq} {
		_ = sq.Release()
	}
	return s.db.Close()
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func buildKey(parts ...[]byte) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		b.WriteByte('/')
		b.Write(p)
	}
	return b.Bytes()
}

func (s *Store) enter() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Wrap(errors.Fatal, fmt.Errorf("store is closed"))
	}
	s.opGauge.Add(1)
	return nil
}

func (s *Store) leave() {
	s.opGauge.Add(-1)
}

func (s *Store) put(key []byte, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, body)
	})
}

// InsertRun inserts a new Run and returns its assigned id. StartedAt is
// stamped with time.Now() if the caller left it zero.
func (s *Store) InsertRun(run Run) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	id, err := s.runSeq.Next()
	if err != nil {
		return 0, errors.Wrap(errors.Fatal, fmt.Errorf("allocate run id: %w", err))
	}
	run.ID = int64(id)
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := s.put(buildKey(runKey, be64(id)), run); err != nil {
		return 0, errors.Wrap(errors.Fatal, err)
	}
	return run.ID, nil
}

// UpdateRunEnd sets a Run's end timestamp and duration exactly once. It is
// called on orderly shutdown by the Orchestrator.
func (s *Store) UpdateRunEnd(runID int64, endedAt time.Time, duration time.Duration) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	key := buildKey(runKey, be64(uint64(runID)))
	var run Run
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		}); err != nil {
			return err
		}
		run.EndedAt = &endedAt
		run.DurationSeconds = duration.Seconds()
		body, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return txn.Set(key, body)
	})
	if err != nil {
		return errors.Wrap(errors.Fatal, fmt.Errorf("update run end: %w", err))
	}
	return nil
}

// InsertSystemSample inserts a SystemSample and returns its assigned id.
func (s *Store) InsertSystemSample(sample SystemSample) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	id, err := s.sysSeq.Next()
	if err != nil {
		return 0, errors.Wrap(errors.Fatal, fmt.Errorf("allocate system sample id: %w", err))
	}
	sample.ID = int64(id)
	key := buildKey(sysKey, be64(uint64(sample.RunID)), be64(id))
	if err := s.put(key, sample); err != nil {
		return 0, errors.Wrap(errors.Fatal, err)
	}
	return sample.ID, nil
}

// InsertProcessSamples batch-inserts ProcessSamples that all share a parent
// SystemSample.
func (s *Store) InsertProcessSamples(samples []ProcessSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	return s.db.Update(func(txn *badger.Txn) error {
		for i := range samples {
			id, err := s.procSeq.Next()
			if err != nil {
				return fmt.Errorf("allocate process sample id: %w", err)
			}
			samples[i].ID = int64(id)
			key := buildKey(procKey, be64(uint64(samples[i].RunID)), be64(uint64(samples[i].SystemSampleID)), be64(id))
			body, err := json.Marshal(samples[i])
			if err != nil {
				return err
			}
			if err := txn.Set(key, body); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertMarker inserts a Marker.
func (s *Store) InsertMarker(m Marker) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	id, err := s.markerSeq.Next()
	if err != nil {
		return 0, errors.Wrap(errors.Fatal, fmt.Errorf("allocate marker id: %w", err))
	}
	m.ID = int64(id)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	key := buildKey(markerKey, be64(uint64(m.RunID)), be64(id))
	if err := s.put(key, m); err != nil {
		return 0, errors.Wrap(errors.Fatal, err)
	}
	return m.ID, nil
}

// InsertManagedRuntimeSamples batch-inserts ManagedRuntimeSamples.
func (s *Store) InsertManagedRuntimeSamples(samples []ManagedRuntimeSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	return s.db.Update(func(txn *badger.Txn) error {
		for i := range samples {
			id, err := s.rtSeq.Next()
			if err != nil {
				return err
			}
			samples[i].ID = int64(id)
			key := buildKey(rtKey, be64(uint64(samples[i].RunID)), be64(id))
			body, err := json.Marshal(samples[i])
			if err != nil {
				return err
			}
			if err := txn.Set(key, body); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertDMVSample inserts a single DMVSample.
func (s *Store) InsertDMVSample(sample DMVSample) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	id, err := s.dmvSeq.Next()
	if err != nil {
		return 0, errors.Wrap(errors.Fatal, err)
	}
	sample.ID = int64(id)
	key := buildKey(dmvKey, be64(uint64(sample.RunID)), be64(id))
	if err := s.put(key, sample); err != nil {
		return 0, errors.Wrap(errors.Fatal, err)
	}
	return sample.ID, nil
}

// InsertHTTPSamples batch-inserts HTTPSample bucket records.
func (s *Store) InsertHTTPSamples(samples []HTTPSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	return s.db.Update(func(txn *badger.Txn) error {
		for i := range samples {
			id, err := s.httpSeq.Next()
			if err != nil {
				return err
			}
			samples[i].ID = int64(id)
			key := buildKey(httpKey, be64(uint64(samples[i].RunID)), be64(id))
			body, err := json.Marshal(samples[i])
			if err != nil {
				return err
			}
			if err := txn.Set(key, body); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertDBSnapshot records an opaque captured-configuration snapshot
// against the Run, updating its ConfigSnapshot field. It exists as a
// separate write because the snapshot may not be known at Run-open time.
func (s *Store) InsertDBSnapshot(runID int64, snapshot string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	key := buildKey(runKey, be64(uint64(runID)))
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var run Run
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		}); err != nil {
			return err
		}
		run.ConfigSnapshot = snapshot
		body, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return txn.Set(key, body)
	})
}

// GetRun reads back a Run by id, mostly useful to tests.
func (s *Store) GetRun(runID int64) (Run, error) {
	if err := s.enter(); err != nil {
		return Run{}, err
	}
	defer s.leave()

	var run Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(buildKey(runKey, be64(uint64(runID))))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	return run, err
}

// ListSystemSamples returns every SystemSample written for runID, in key
// (insertion) order. Used by tests to assert ordering invariants.
func (s *Store) ListSystemSamples(runID int64) ([]SystemSample, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()

	var out []SystemSample
	prefix := buildKey(sysKey, be64(uint64(runID)))
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sample SystemSample
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			}); err != nil {
				return err
			}
			out = append(out, sample)
		}
		return nil
	})
	return out, err
}

// ListMarkers returns every Marker written for runID, in key order.
func (s *Store) ListMarkers(runID int64) ([]Marker, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()

	var out []Marker
	prefix := buildKey(markerKey, be64(uint64(runID)))
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Marker
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}
