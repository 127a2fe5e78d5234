package journal

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// Badger-specific defaults.
const (
	defaultGCInterval  = 10 * time.Minute
	defaultGCThreshold = 0.5
	seqBandwidth       = 64
)

// BadgerConfig configures the durable journal.
type BadgerConfig struct {
	// Dir is the badger directory.
	Dir string

	// SyncWrites enables fsync per write batch. The journal is the only
	// durable metadata store, so it defaults to true.
	SyncWrites bool

	// GCInterval is the interval between value-log GC runs.
	GCInterval time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns the default journal configuration.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:        dir,
		SyncWrites: true,
		GCInterval: defaultGCInterval,
	}
}

// Badger is the durable journal implementation.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger

	nodeSeq  *badger.Sequence
	kvsetSeq *badger.Sequence

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ Journal = (*Badger)(nil)

// NewBadger opens (or creates) a journal at cfg.Dir.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal: dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = &badgerLogger{logger: cfg.Logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}

	nodeSeq, err := db.GetSequence([]byte("seq/node"), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: node sequence: %w", err)
	}
	kvsetSeq, err := db.GetSequence([]byte("seq/kvset"), seqBandwidth)
	if err != nil {
		nodeSeq.Release()
		db.Close()
		return nil, fmt.Errorf("journal: kvset sequence: %w", err)
	}

	j := &Badger{
		db:       db,
		logger:   cfg.Logger,
		nodeSeq:  nodeSeq,
		kvsetSeq: kvsetSeq,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go j.gcLoop(cfg.GCInterval)
	return j, nil
}

type badgerTxn struct {
	j *Badger

	adds  []AddRecord
	acked []bool
	dels  [][]byte
	nodes []NodeRecord
	edges []NodeRecord

	done bool
}

// TxStart implements Journal.
func (j *Badger) TxStart(ingestID, horizon uint64, nAdds, nDels int) (Txn, error) {
	j.logger.Debug("journal txn start",
		"ingest_id", ingestID,
		"horizon", horizon,
		"adds", nAdds,
		"dels", nDels)
	return &badgerTxn{
		j:    j,
		adds: make([]AddRecord, 0, nAdds),
		dels: make([][]byte, 0, nDels),
	}, nil
}

// MintNodeID implements Journal. IDs start at 1; zero is the root and is
// never minted.
func (j *Badger) MintNodeID() (uint64, error) {
	id, err := j.nodeSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("journal: mint node id: %w", err)
	}
	return id + 1, nil
}

// MintKvsetID implements Journal.
func (j *Badger) MintKvsetID() (uint64, error) {
	id, err := j.kvsetSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("journal: mint kvset id: %w", err)
	}
	return id + 1, nil
}

// Replay implements Journal.
func (j *Badger) Replay(cnid uint64, r Replay) error {
	return j.db.View(func(txn *badger.Txn) error {
		if r.OnNode != nil {
			if err := j.replayPrefix(txn, nodeKeyPrefix, cnid, func(id uint64, val []byte) error {
				return r.OnNode(NodeRecord{Cnid: cnid, NodeID: id, EdgeKey: append([]byte(nil), val...)})
			}); err != nil {
				return err
			}
		}
		if r.OnKvset != nil {
			if err := j.replayPrefix(txn, kvsetKeyPrefix, cnid, func(id uint64, val []byte) error {
				rec, err := decodeAdd(cnid, id, val)
				if err != nil {
					return domain.ErrCorrupt.WithCause(err)
				}
				return r.OnKvset(rec)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *Badger) replayPrefix(txn *badger.Txn, prefix string, cnid uint64, fn func(id uint64, val []byte) error) error {
	p := make([]byte, 0, len(prefix)+8)
	p = append(p, prefix...)
	p = binary.BigEndian.AppendUint64(p, cnid)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if len(key) != len(p)+8 {
			return domain.ErrCorrupt.WithDetails("malformed journal key")
		}
		id := binary.BigEndian.Uint64(key[len(p):])
		if err := item.Value(func(val []byte) error {
			return fn(id, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Journal.
func (j *Badger) Close() error {
	close(j.stopCh)
	<-j.doneCh

	j.nodeSeq.Release()
	j.kvsetSeq.Release()
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("journal: close badger: %w", err)
	}
	return nil
}

// gcLoop runs periodic value-log garbage collection.
func (j *Badger) gcLoop(interval time.Duration) {
	defer close(j.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := j.db.RunValueLogGC(defaultGCThreshold)
			if err != nil && err != badger.ErrNoRewrite {
				j.logger.Warn("journal gc failed", "error", err)
			}
		case <-j.stopCh:
			return
		}
	}
}

// RecordKvsetAdd implements Txn.
func (t *badgerTxn) RecordKvsetAdd(rec AddRecord) (Cookie, error) {
	if t.done {
		return 0, domain.ErrTreeBug.WithDetails("record on finished txn")
	}
	t.adds = append(t.adds, rec)
	t.acked = append(t.acked, false)
	return Cookie(len(t.adds) - 1), nil
}

// AckAdd implements Txn.
func (t *badgerTxn) AckAdd(c Cookie) error {
	if int(c) < 0 || int(c) >= len(t.adds) {
		return domain.ErrTreeBug.WithDetails("ack of unknown cookie")
	}
	t.acked[c] = true
	return nil
}

// RecordKvsetDelete implements Txn.
func (t *badgerTxn) RecordKvsetDelete(cnid, kvsetID uint64) error {
	if t.done {
		return domain.ErrTreeBug.WithDetails("record on finished txn")
	}
	t.dels = append(t.dels, kvsetKey(cnid, kvsetID))
	return nil
}

// RecordNodeAdd implements Txn.
func (t *badgerTxn) RecordNodeAdd(rec NodeRecord) error {
	t.nodes = append(t.nodes, rec)
	return nil
}

// RecordNodeEdge implements Txn.
func (t *badgerTxn) RecordNodeEdge(rec NodeRecord) error {
	t.edges = append(t.edges, rec)
	return nil
}

// Commit implements Txn. All buffered records land in one badger write
// transaction, so replay sees either the whole compaction or none of it.
func (t *badgerTxn) Commit() error {
	if t.done {
		return domain.ErrTreeBug.WithDetails("double commit")
	}
	t.done = true

	err := t.j.db.Update(func(txn *badger.Txn) error {
		for _, rec := range t.nodes {
			if err := txn.Set(nodeKey(rec.Cnid, rec.NodeID), append([]byte(nil), rec.EdgeKey...)); err != nil {
				return err
			}
		}
		for _, rec := range t.edges {
			if err := txn.Set(nodeKey(rec.Cnid, rec.NodeID), append([]byte(nil), rec.EdgeKey...)); err != nil {
				return err
			}
		}
		for i, rec := range t.adds {
			if !t.acked[i] {
				continue
			}
			if err := txn.Set(kvsetKey(rec.Cnid, rec.KvsetID), encodeAdd(rec)); err != nil {
				return err
			}
		}
		for _, key := range t.dels {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ErrJournalFailed.WithCause(err)
	}
	return nil
}

// Nak implements Txn.
func (t *badgerTxn) Nak() error {
	t.done = true
	t.adds = nil
	t.dels = nil
	t.nodes = nil
	t.edges = nil
	return nil
}

// badgerLogger adapts badger's logger interface to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
