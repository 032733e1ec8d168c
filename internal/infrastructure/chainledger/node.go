package chainledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"golang.org/x/crypto/sha3"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
)

// Config defines one ledger node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c, nil
}

// Node wraps raft and the replicated ledger, implementing chain.Gateway.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	ledger    *Ledger
}

// NewNode creates a ledger node with bolt-backed log and stable stores.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	ledger := NewLedger()
	fsm := &fsm{ledger: ledger}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "ledger-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "ledger-stable.bolt"))
	if err != nil {
		return nil, err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, os.Stderr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		ledger:       ledger,
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: raft.ServerAddress(cfg.RaftAddr),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	return n, nil
}

// TxHash derives the transaction hash from the idempotency key and payload.
// The same key and payload always hash to the same transaction.
func TxHash(idempotencyKey string, payload []byte) string {
	h := sha3.New256()
	_, _ = h.Write([]byte(idempotencyKey))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Submit replicates the transaction through raft. Duplicate idempotency keys
// return the original transaction hash without re-applying the effect.
func (n *Node) Submit(ctx context.Context, idempotencyKey string, payload []byte) (string, error) {
	if n.raft.State() != raft.Leader {
		return "", fmt.Errorf("%w: %w", chain.ErrGateway, chain.ErrNotLeader)
	}
	sum := sha3.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	e := entry{
		TxHash:         TxHash(idempotencyKey, payload),
		IdempotencyKey: idempotencyKey,
		Ref:            refFromPayload(payload),
		Operation:      opFromPayload(payload),
		PayloadHash:    payloadHash,
		RecordedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: encode entry: %v", chain.ErrGateway, err)
	}
	future := n.raft.Apply(data, n.timeout(ctx))
	if err := future.Error(); err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrGateway, err)
	}
	applied, ok := future.Response().(*entry)
	if !ok {
		if respErr, isErr := future.Response().(error); isErr {
			return "", fmt.Errorf("%w: %v", chain.ErrGateway, respErr)
		}
		return "", fmt.Errorf("%w: unexpected apply response", chain.ErrGateway)
	}
	return applied.TxHash, nil
}

// QueryStatus reports CONFIRMED once the transaction is applied on this
// node, PENDING while unknown. The dev ledger never fails an accepted entry.
func (n *Node) QueryStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	if e := n.ledger.lookupHash(txHash); e != nil {
		return chain.TxConfirmed, nil
	}
	return chain.TxPending, nil
}

// LookupKey resolves a previously submitted idempotency key.
func (n *Node) LookupKey(ctx context.Context, idempotencyKey string) (*chain.TxRecord, error) {
	e := n.ledger.lookupKey(idempotencyKey)
	if e == nil {
		return nil, nil
	}
	return e.record(), nil
}

// History returns every transaction recorded against the reference in apply
// order.
func (n *Node) History(ctx context.Context, ref string) ([]*chain.TxRecord, error) {
	entries := n.ledger.history(ref)
	out := make([]*chain.TxRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.record())
	}
	return out, nil
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.timeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.timeout(ctx)).Error()
}

func (n *Node) timeout(ctx context.Context) time.Duration {
	timeout := n.applyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (n *Node) ID() string     { return n.id }
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string {
	return strings.TrimSpace(string(n.raft.Leader()))
}

// Shutdown stops raft and the transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	return shutdownErr
}

// payload envelope fields used for chain indexing.
type payloadEnvelope struct {
	Ref       string `json:"ref"`
	Operation string `json:"operation"`
}

func refFromPayload(payload []byte) string {
	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Ref
}

func opFromPayload(payload []byte) string {
	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Operation
}

// fsm wires raft log entries into the ledger.
type fsm struct {
	ledger *Ledger
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var e entry
	if err := json.Unmarshal(log.Data, &e); err != nil {
		return fmt.Errorf("decode ledger entry: %w", err)
	}
	return f.ledger.apply(&e)
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.ledger.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.ledger.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
