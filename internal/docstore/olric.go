package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/olric-data/olric"
	olricconfig "github.com/olric-data/olric/config"
	"go.uber.org/zap"
)

// Olric implements Store on an embedded Olric cluster. Each collection
// maps to one distributed map holding JSON-encoded documents keyed by
// document id.
//
// RunTransaction is serialized per process: buffered writes apply only
// on commit, but two processes can interleave transactions on the same
// document. Cross-process exclusion for admin operations comes from the
// lock manager's lease documents, which this store only has to read and
// write consistently within one handler invocation.
type Olric struct {
	config *OlricConfig
	logger *zap.Logger
	db     *olric.Olric
	client *olric.EmbeddedClient

	dmapMu sync.Mutex
	dmaps  map[string]olric.DMap

	txMu sync.Mutex
}

// NewOlric starts an embedded Olric server, optionally joining a
// cluster, and returns the document store on top of it.
func NewOlric(ctx context.Context, cfg *OlricConfig, logger *zap.Logger) (*Olric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid olric configuration: %w", err)
	}

	s := &Olric{
		config: cfg,
		logger: logger,
		dmaps:  make(map[string]olric.DMap),
	}

	olricCfg, err := s.buildOlricConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build olric config: %w", err)
	}

	logger.Info("Starting embedded document store",
		zap.String("bind_addr", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)),
		zap.Bool("single_node", cfg.IsSingleNode()),
		zap.Strings("join_addrs", cfg.JoinAddrs),
		zap.Int("replication_factor", cfg.ReplicationFactor),
		zap.Uint64("partition_count", cfg.PartitionCount),
	)

	db, err := olric.New(olricCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create olric instance: %w", err)
	}
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("failed to start olric: %w", err)
	}
	s.db = db
	s.client = db.NewEmbeddedClient()

	if err := s.waitForCluster(ctx); err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("cluster not ready: %w", err)
	}

	members, err := s.client.Members(ctx)
	if err != nil {
		logger.Warn("Failed to get cluster members", zap.Error(err))
	}
	logger.Info("Document store initialized",
		zap.Int("cluster_members", len(members)),
	)

	return s, nil
}

// buildOlricConfig translates OlricConfig into the library configuration.
func (s *Olric) buildOlricConfig() (*olricconfig.Config, error) {
	logFilter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(s.config.LogLevel),
		Writer:   io.Discard,
	}
	// Olric internals log through stdlib; surface them only when verbose.
	if s.config.LogLevel == "DEBUG" || s.config.LogLevel == "INFO" {
		logFilter.Writer = os.Stdout
	}

	c := olricconfig.New("lan")
	c.BindAddr = s.config.BindAddr
	c.BindPort = s.config.BindPort
	c.KeepAlivePeriod = s.config.KeepAlivePeriod
	c.PartitionCount = s.config.PartitionCount
	c.ReplicaCount = s.config.ReplicationFactor
	c.ReadQuorum = 1
	c.WriteQuorum = 1
	c.MemberCountQuorum = int32(s.config.MemberCountQuorum)
	c.LogLevel = s.config.LogLevel
	c.Logger = log.New(logFilter, "", log.LstdFlags)
	c.JoinRetryInterval = s.config.JoinRetryInterval
	c.MaxJoinAttempts = s.config.MaxJoinAttempts

	if s.config.ReplicationMode == "sync" {
		c.ReplicationMode = olricconfig.SyncReplicationMode
	} else {
		c.ReplicationMode = olricconfig.AsyncReplicationMode
	}

	if len(s.config.JoinAddrs) > 0 {
		c.Peers = s.config.JoinAddrs
	}

	return c, nil
}

// waitForCluster waits until the member count quorum is reached.
func (s *Olric) waitForCluster(ctx context.Context) error {
	if s.config.IsSingleNode() {
		s.logger.Info("Running in single-node mode, cluster ready")
		return nil
	}

	ticker := time.NewTicker(s.config.JoinRetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++

			members, err := s.client.Members(context.Background())
			memberCount := len(members)
			if err != nil {
				s.logger.Warn("Failed to get cluster members", zap.Error(err))
				memberCount = 0
			}

			s.logger.Debug("Waiting for cluster members",
				zap.Int("current_members", memberCount),
				zap.Int("required_members", s.config.MemberCountQuorum),
				zap.Int("attempt", attempts),
			)

			if memberCount >= s.config.MemberCountQuorum {
				s.logger.Info("Cluster member quorum reached",
					zap.Int("member_count", memberCount),
					zap.Int("quorum", s.config.MemberCountQuorum),
				)
				return nil
			}

			if attempts >= s.config.MaxJoinAttempts {
				return fmt.Errorf("max join attempts (%d) reached, only %d/%d members present",
					s.config.MaxJoinAttempts, memberCount, s.config.MemberCountQuorum)
			}
		}
	}
}

// dmap returns the distributed map backing a collection, creating it on
// first use.
func (s *Olric) dmap(collection string) (olric.DMap, error) {
	s.dmapMu.Lock()
	defer s.dmapMu.Unlock()

	if dm, ok := s.dmaps[collection]; ok {
		return dm, nil
	}
	dm, err := s.client.NewDMap(s.config.DMapPrefix + "." + collection)
	if err != nil {
		return nil, fmt.Errorf("failed to open dmap for %s: %w", collection, err)
	}
	s.dmaps[collection] = dm
	return dm, nil
}

func isOlricKeyNotFound(err error) bool {
	return err != nil && err.Error() == "key not found"
}

// Get retrieves a document. Returns ErrNotFound if absent.
func (s *Olric) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateRef(collection, id); err != nil {
		return nil, err
	}
	dm, err := s.dmap(collection)
	if err != nil {
		return nil, err
	}

	resp, err := dm.Get(ctx, id)
	if err != nil {
		if isOlricKeyNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, collection, id, err)
	}

	var encoded string
	if err := resp.Scan(&encoded); err != nil {
		return nil, fmt.Errorf("invalid document payload for %s/%s: %w", collection, id, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(encoded), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Set replaces the document, applying the collection's backstop TTL when
// one is configured.
func (s *Olric) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	dm, err := s.dmap(collection)
	if err != nil {
		return err
	}

	if doc == nil {
		doc = Document{}
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}

	if ttl, ok := s.config.CollectionTTLs[collection]; ok && ttl > 0 {
		err = dm.Put(ctx, id, string(encoded), olric.EX(ttl))
	} else {
		err = dm.Put(ctx, id, string(encoded))
	}
	if err != nil {
		return fmt.Errorf("%w: set %s/%s: %v", ErrUnavailable, collection, id, err)
	}
	return nil
}

// Update shallow-merges fields into an existing document.
func (s *Olric) Update(ctx context.Context, collection, id string, fields Document) error {
	current, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	normalized, err := Clone(fields)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		current[k] = v
	}
	return s.Set(ctx, collection, id, current)
}

// Delete removes a document; deleting an absent document succeeds.
func (s *Olric) Delete(ctx context.Context, collection, id string) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	dm, err := s.dmap(collection)
	if err != nil {
		return err
	}
	if _, err := dm.Delete(ctx, id); err != nil && !isOlricKeyNotFound(err) {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrUnavailable, collection, id, err)
	}
	return nil
}

// RunTransaction serializes fn against all other transactions in this
// process, buffering writes and applying them only on commit.
func (s *Olric) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &olricTx{ctx: ctx, store: s, overlay: make(map[string]map[string]*Document)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// BatchWrite applies the operations sequentially. Olric offers no
// multi-key atomicity, so a mid-batch failure leaves earlier writes in
// place; callers pair batches with rollback points for that reason.
func (s *Olric) BatchWrite(ctx context.Context, ops []WriteOp) error {
	for _, op := range ops {
		var err error
		switch op.Kind {
		case WriteSet:
			err = s.Set(ctx, op.Collection, op.ID, op.Doc)
		case WriteUpdate:
			err = s.Update(ctx, op.Collection, op.ID, op.Doc)
		case WriteDelete:
			err = s.Delete(ctx, op.Collection, op.ID)
		default:
			err = fmt.Errorf("%w: unknown write kind %q", ErrInvalidArgument, op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Query scans the collection's distributed map and filters client-side.
func (s *Olric) Query(ctx context.Context, collection string, filters []Filter) ([]Snapshot, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection cannot be empty", ErrInvalidArgument)
	}
	dm, err := s.dmap(collection)
	if err != nil {
		return nil, err
	}

	it, err := dm.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, collection, err)
	}
	defer it.Close()

	var results []Snapshot
	for it.Next() {
		id := it.Key()
		doc, err := s.Get(ctx, collection, id)
		if err != nil {
			// Entry expired or was deleted between scan and read.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		matched := true
		for _, f := range filters {
			if !f.Matches(doc) {
				matched = false
				break
			}
		}
		if matched {
			results = append(results, Snapshot{
				Collection: collection,
				ID:         id,
				Exists:     true,
				Data:       doc,
			})
		}
	}
	return results, nil
}

// Ping verifies connectivity to the embedded server.
func (s *Olric) Ping(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.BindAddr, fmt.Sprintf("%d", s.config.BindPort))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	defer conn.Close()

	if s.db == nil {
		return fmt.Errorf("document store is not started")
	}
	return nil
}

// Close gracefully shuts down the embedded server.
func (s *Olric) Close(ctx context.Context) error {
	s.logger.Info("Shutting down document store")

	if s.db == nil {
		return nil
	}
	if err := s.db.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down document store", zap.Error(err))
		return err
	}
	s.logger.Info("Document store shut down")
	return nil
}

// olricTx buffers writes with read-through gets, mirroring the memory
// backend's transaction semantics.
type olricTx struct {
	ctx     context.Context
	store   *Olric
	overlay map[string]map[string]*Document
}

func (t *olricTx) lookup(collection, id string) (*Document, bool) {
	docs, ok := t.overlay[collection]
	if !ok {
		return nil, false
	}
	doc, ok := docs[id]
	return doc, ok
}

func (t *olricTx) buffer(collection, id string, doc *Document) {
	if t.overlay[collection] == nil {
		t.overlay[collection] = make(map[string]*Document)
	}
	t.overlay[collection][id] = doc
}

func (t *olricTx) Get(collection, id string) (Document, error) {
	if buffered, ok := t.lookup(collection, id); ok {
		if buffered == nil {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return Clone(*buffered)
	}
	return t.store.Get(t.ctx, collection, id)
}

func (t *olricTx) Set(collection, id string, doc Document) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	copied, err := Clone(doc)
	if err != nil {
		return err
	}
	if copied == nil {
		copied = Document{}
	}
	t.buffer(collection, id, &copied)
	return nil
}

func (t *olricTx) Update(collection, id string, fields Document) error {
	current, err := t.Get(collection, id)
	if err != nil {
		return err
	}
	normalized, err := Clone(fields)
	if err != nil {
		return err
	}
	for k, v := range normalized {
		current[k] = v
	}
	t.buffer(collection, id, &current)
	return nil
}

func (t *olricTx) Delete(collection, id string) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	t.buffer(collection, id, nil)
	return nil
}

func (t *olricTx) commit() error {
	for collection, docs := range t.overlay {
		for id, doc := range docs {
			if doc == nil {
				if err := t.store.Delete(t.ctx, collection, id); err != nil {
					return err
				}
				continue
			}
			if err := t.store.Set(t.ctx, collection, id, *doc); err != nil {
				return err
			}
		}
	}
	return nil
}
