package persistor

import (
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/thatdot/streamgraph/pkg/events"
	"github.com/thatdot/streamgraph/pkg/log"
	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/types"
)

var (
	bucketJournal    = []byte("journal")     // qid -> (sub-bucket) EventTime -> JournalRecord
	bucketDomainIdx  = []byte("domain_idx")  // qid -> (sub-bucket) EventTime -> JournalRecord (domain-index stream)
	bucketSnapshots  = []byte("snapshots")   // qid -> (sub-bucket) EventTime -> snapshot bytes
	bucketSqMetadata = []byte("sq_metadata") // sq_id -> metadata bytes (out of core scope; CRUD only)
)

// BoltPersistor implements Persistor on top of a single embedded
// go.etcd.io/bbolt database file, one nested bucket per node per
// logical stream — the same "one bucket, JSON values" shape the
// teacher's BoltStore uses for cluster state, applied here to
// per-node journals instead of cluster records.
type BoltPersistor struct {
	db                *bolt.DB
	snapshotSingleton bool
}

// NewBoltPersistor opens (or creates) the database file under dataDir.
// snapshotSingleton controls whether PersistSnapshot keeps only the
// latest snapshot per node (keyed under types.MaxEventTime) or retains
// one snapshot per EventTime.
func NewBoltPersistor(dataDir string, snapshotSingleton bool) (*BoltPersistor, error) {
	dbPath := filepath.Join(dataDir, "graph.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistor: open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJournal, bucketDomainIdx, bucketSnapshots, bucketSqMetadata} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltPersistor{db: db, snapshotSingleton: snapshotSingleton}, nil
}

func nodeSubBucket(tx *bolt.Tx, parent []byte, qid types.QuineId) (*bolt.Bucket, error) {
	b := tx.Bucket(parent)
	return b.CreateBucketIfNotExists([]byte(qid))
}

func (p *BoltPersistor) persistStream(ctx context.Context, bucket []byte, qid types.QuineId, stamped []StampedRecord, encode func(StampedRecord) (events.Tag, []byte, error)) error {
	if len(stamped) == 0 {
		return ErrEmptyBatch
	}
	err := p.db.Update(func(tx *bolt.Tx) error {
		nb, err := nodeSubBucket(tx, bucket, qid)
		if err != nil {
			return err
		}
		for _, s := range stamped {
			tag, payload, err := encode(s)
			if err != nil {
				return err
			}
			rec := events.JournalRecord{QuineId: qid, At: s.At, Tag: tag, Payload: payload}
			encoded, err := encodeJournalRecord(rec)
			if err != nil {
				return err
			}
			if err := nb.Put(s.At.Bytes(), encoded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithComponent("persistor.bolt").Error().Err(err).Msg("write failed")
		return fmt.Errorf("%w: %v", nodeerr.ErrPersistorTransient, err)
	}
	return nil
}

func (p *BoltPersistor) PersistNodeChangeEvents(ctx context.Context, qid types.QuineId, stamped []StampedRecord) error {
	return p.persistStream(ctx, bucketJournal, qid, stamped, func(s StampedRecord) (events.Tag, []byte, error) {
		if s.Change == nil {
			return 0, nil, fmt.Errorf("persistor: node-change stream entry missing Change")
		}
		if s.Change.Property != nil {
			payload, err := events.EncodeJournalPayload(events.TagPropertyEvent, *s.Change.Property)
			return events.TagPropertyEvent, payload, err
		}
		payload, err := events.EncodeJournalPayload(events.TagEdgeEvent, *s.Change.Edge)
		return events.TagEdgeEvent, payload, err
	})
}

func (p *BoltPersistor) PersistDomainIndexEvents(ctx context.Context, qid types.QuineId, stamped []StampedRecord) error {
	return p.persistStream(ctx, bucketDomainIdx, qid, stamped, func(s StampedRecord) (events.Tag, []byte, error) {
		if s.Domain == nil {
			return 0, nil, fmt.Errorf("persistor: domain-index stream entry missing Domain")
		}
		payload, err := events.EncodeJournalPayload(events.TagDomainIndexEvent, *s.Domain)
		return events.TagDomainIndexEvent, payload, err
	})
}

func (p *BoltPersistor) PersistSnapshot(ctx context.Context, qid types.QuineId, at types.EventTime, bytes []byte) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		nb, err := nodeSubBucket(tx, bucketSnapshots, qid)
		if err != nil {
			return err
		}
		if p.snapshotSingleton {
			// Replace: drop any existing keys before writing the new one.
			c := nb.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if err := nb.Delete(k); err != nil {
					return err
				}
			}
		}
		return nb.Put(at.Bytes(), bytes)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrPersistorTransient, err)
	}
	return nil
}

func (p *BoltPersistor) GetJournalWithTime(ctx context.Context, qid types.QuineId, from, to types.EventTime, includeDomainIndex bool) ([]JournalEntry, error) {
	var out []JournalEntry
	err := p.db.View(func(tx *bolt.Tx) error {
		if err := scanStream(tx, bucketJournal, qid, from, to, &out); err != nil {
			return err
		}
		if includeDomainIndex {
			if err := scanStream(tx, bucketDomainIdx, qid, from, to, &out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerr.ErrPersistorTransient, err)
	}
	sortJournalEntries(out)
	return out, nil
}

func scanStream(tx *bolt.Tx, bucket []byte, qid types.QuineId, from, to types.EventTime, out *[]JournalEntry) error {
	parent := tx.Bucket(bucket)
	nb := parent.Bucket([]byte(qid))
	if nb == nil {
		return nil
	}
	c := nb.Cursor()
	for k, v := c.Seek(from.Bytes()); k != nil; k, v = c.Next() {
		at, err := types.EventTimeFromBytes(k)
		if err != nil {
			return err
		}
		if to.Less(at) {
			break
		}
		rec, err := decodeJournalRecord(v)
		if err != nil {
			return err
		}
		entry := JournalEntry{At: rec.At}
		switch rec.Tag {
		case events.TagPropertyEvent:
			pe, err := events.DecodePropertyEvent(rec.Payload)
			if err != nil {
				return err
			}
			ch := events.NewPropertyChange(pe)
			entry.Change = &ch
		case events.TagEdgeEvent:
			ee, err := events.DecodeEdgeEvent(rec.Payload)
			if err != nil {
				return err
			}
			ch := events.NewEdgeChange(ee)
			entry.Change = &ch
		case events.TagDomainIndexEvent:
			de, err := events.DecodeDomainIndexEvent(rec.Payload)
			if err != nil {
				return err
			}
			entry.Domain = &de
		default:
			return fmt.Errorf("persistor: unknown journal tag %d", rec.Tag)
		}
		*out = append(*out, entry)
	}
	return nil
}

func (p *BoltPersistor) GetLatestSnapshot(ctx context.Context, qid types.QuineId, atOrBefore types.EventTime) (types.EventTime, []byte, bool, error) {
	var at types.EventTime
	var bytes []byte
	found := false
	err := p.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketSnapshots)
		nb := parent.Bucket([]byte(qid))
		if nb == nil {
			return nil
		}
		c := nb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			candidate, err := types.EventTimeFromBytes(k)
			if err != nil {
				return err
			}
			if candidate.LessOrEqual(atOrBefore) {
				at, bytes, found = candidate, append([]byte(nil), v...), true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return types.EventTime{}, nil, false, fmt.Errorf("%w: %v", nodeerr.ErrPersistorTransient, err)
	}
	return at, bytes, found, nil
}

func (p *BoltPersistor) Close() error {
	return p.db.Close()
}

var _ Persistor = (*BoltPersistor)(nil)
