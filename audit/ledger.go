package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LedgerStub is a local, append-only, hash-chained record store. Each
// entry's stored hash covers its own payload plus the previous entry's
// hash, so a reader can walk the chain and detect any alteration of
// history. It is explicitly not a distributed ledger — there is no
// multi-party consensus or replication here, only tamper-evidence within
// a single local store.
type LedgerStub struct {
	db *bolt.DB
}

var ledgerBucket = []byte("ledger")

// LedgerRecord is one chained entry.
type LedgerRecord struct {
	Seq          uint64
	TimestampUTC string
	Payload      map[string]interface{}
	Hash         string // sha256(prevHash || encoding/json Marshal(payload))
	PrevHash     string
}

// OpenLedger opens (creating if needed) the ledger stub at path.
func OpenLedger(path string) (*LedgerStub, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create ledger bucket: %w", err)
	}
	return &LedgerStub{db: db}, nil
}

// Close closes the underlying store.
func (l *LedgerStub) Close() error { return l.db.Close() }

// Append adds payload as the next chained entry and returns its hash — the
// "pseudo transaction ID" a caller can use to later verify inclusion.
func (l *LedgerStub) Append(payload map[string]interface{}) (string, error) {
	var hash string
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		prevHash := ""
		if seq > 1 {
			prevBytes := b.Get(seqKey(seq - 1))
			if prevBytes != nil {
				var prev LedgerRecord
				if err := json.Unmarshal(prevBytes, &prev); err == nil {
					prevHash = prev.Hash
				}
			}
		}

		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(append([]byte(prevHash), payloadJSON...))
		hash = hex.EncodeToString(sum[:])

		rec := LedgerRecord{
			Seq:          seq,
			TimestampUTC: time.Now().UTC().Format(time.RFC3339Nano),
			Payload:      payload,
			Hash:         hash,
			PrevHash:     prevHash,
		}
		recBytes, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), recBytes)
	})
	if err != nil {
		return "", fmt.Errorf("audit: ledger append: %w", err)
	}
	return hash, nil
}

// VerifyChain walks every record from the first to the last sequence
// number and confirms each hash matches its payload and predecessor,
// returning an error describing the first broken link found, if any.
func (l *LedgerStub) VerifyChain() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		c := b.Cursor()
		prevHash := ""
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec LedgerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("ledger: corrupt record at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if rec.PrevHash != prevHash {
				return fmt.Errorf("ledger: chain break at seq %d: prev_hash mismatch", rec.Seq)
			}
			payloadJSON, err := json.Marshal(rec.Payload)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(append([]byte(rec.PrevHash), payloadJSON...))
			if hex.EncodeToString(sum[:]) != rec.Hash {
				return fmt.Errorf("ledger: hash mismatch at seq %d", rec.Seq)
			}
			prevHash = rec.Hash
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
