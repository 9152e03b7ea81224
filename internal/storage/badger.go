package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/records"
)

const (
	prefixAudit   = "audit:"
	prefixPatient = "patient:"
	keyAuditTail  = "meta:audit_tail"
)

func auditKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAudit, seq))
}

func patientKey(id string) []byte {
	return []byte(prefixPatient + id)
}

// openBadger opens the badger database in dir. The in-process driver is
// DriverMemory, so dir is always a real directory here.
func openBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger %s: %w", dir, err)
	}
	return db, nil
}

// BadgerAuditStore keeps audit entries as JSON under audit:<seq> keys, with
// meta:audit_tail holding the tail's sequence number.
type BadgerAuditStore struct {
	db *badger.DB
}

// NewBadgerAuditStore wraps an open database.
func NewBadgerAuditStore(db *badger.DB) *BadgerAuditStore {
	return &BadgerAuditStore{db: db}
}

func (s *BadgerAuditStore) Last(_ context.Context) (*audit.Entry, error) {
	var last *audit.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := tailEntry(txn)
		last = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// tailEntry reads the tail inside txn. Reading meta:audit_tail registers it
// in the transaction's read set, so a concurrent writer that also moved the
// tail makes this transaction fail with badger.ErrConflict on commit.
func tailEntry(txn *badger.Txn) (*audit.Entry, error) {
	item, err := txn.Get([]byte(keyAuditTail))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit tail: %w", err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("reading audit tail: %w", err)
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("corrupt audit tail marker (%d bytes)", len(raw))
	}

	item, err = txn.Get(auditKey(binary.BigEndian.Uint64(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading audit tail entry: %w", err)
	}
	var e audit.Entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return nil, fmt.Errorf("decoding audit tail entry: %w", err)
	}
	return &e, nil
}

func (s *BadgerAuditStore) Insert(_ context.Context, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		tail, err := tailEntry(txn)
		if err != nil {
			return err
		}
		wantSeq, wantPrev := uint64(1), audit.GenesisHash
		if tail != nil {
			wantSeq, wantPrev = tail.Seq+1, tail.Hash
		}
		if e.Seq != wantSeq || e.PrevHash != wantPrev {
			return fmt.Errorf("%w: entry seq %d does not extend tail seq %d", audit.ErrChainWriteConflict, e.Seq, wantSeq-1)
		}

		if err := txn.Set(auditKey(e.Seq), data); err != nil {
			return err
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], e.Seq)
		return txn.Set([]byte(keyAuditTail), seq[:])
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", audit.ErrChainWriteConflict, err)
	}
	return err
}

func (s *BadgerAuditStore) EntriesAfter(_ context.Context, afterSeq uint64) ([]audit.Entry, error) {
	var entries []audit.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixAudit)
		for it.Seek(auditKey(afterSeq + 1)); it.ValidForPrefix(prefix); it.Next() {
			var e audit.Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decoding audit entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// BadgerPatientStore keeps patients as JSON under patient:<id> keys.
type BadgerPatientStore struct {
	db *badger.DB
}

// NewBadgerPatientStore wraps an open database.
func NewBadgerPatientStore(db *badger.DB) *BadgerPatientStore {
	return &BadgerPatientStore{db: db}
}

func (s *BadgerPatientStore) Insert(_ context.Context, p records.Patient) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding patient: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(patientKey(p.ID))
		if err == nil {
			return fmt.Errorf("patient %s already exists", p.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(patientKey(p.ID), data)
	})
}

func (s *BadgerPatientStore) Update(_ context.Context, p records.Patient) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding patient: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(patientKey(p.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", records.ErrNotFound, p.ID)
			}
			return err
		}
		return txn.Set(patientKey(p.ID), data)
	})
}

func (s *BadgerPatientStore) Get(_ context.Context, id string) (records.Patient, error) {
	var p records.Patient
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patientKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", records.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &p) })
	})
	return p, err
}

// List returns every patient ordered by creation time. Badger iterates in
// key order, so the order is restored after the scan.
func (s *BadgerPatientStore) List(_ context.Context) ([]records.Patient, error) {
	var out []records.Patient
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPatient)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p records.Patient
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
				return fmt.Errorf("decoding patient %s: %w", it.Item().Key(), err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	records.SortByCreation(out)
	return out, nil
}
