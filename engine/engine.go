// Package engine assembles the five-tier pipeline (C1-C11) behind the
// External Interfaces surface (spec.md §6): open/close, key-value and
// schema operations, transactions, secondary indexes, analytical/GPU
// primitives, and administration. It is the single entry point embedders
// and FFI bindings use; every other package in this module is an internal
// tier wired together here. Grounded on
// pkg/resource/domain/datasource.go's DataSource/TransactionalDataSource
// interface shape, generalized from one flat keyspace-per-table datasource
// into orchestration across the Timestamp Oracle, WOS Facade, Columnar
// Cache, Transaction Manager, Index Manager, GPU Executor, and Tier
// Coordinator.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/htapdb/htapdb/pkg/columnar"
	"github.com/htapdb/htapdb/pkg/config"
	"github.com/htapdb/htapdb/pkg/crypt"
	"github.com/htapdb/htapdb/pkg/featureflags"
	"github.com/htapdb/htapdb/pkg/gpu"
	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/manifest"
	"github.com/htapdb/htapdb/pkg/metrics"
	"github.com/htapdb/htapdb/pkg/oracle"
	"github.com/htapdb/htapdb/pkg/secindex"
	"github.com/htapdb/htapdb/pkg/tier"
	"github.com/htapdb/htapdb/pkg/txn"
	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
	"github.com/htapdb/htapdb/pkg/wos"
)

const encryptionMarkerFile = "ENCRYPTED"

// Options configures an Open call. An empty Options uses Config's defaults.
type Options struct {
	Config *config.Config
}

// EncryptionOptions configures OpenEncrypted.
type EncryptionOptions struct {
	Cipher        string // crypt.CipherAES256GCM or crypt.CipherChaCha20Poly1305
	Passphrase    string
	KDFIterations int
}

// table bundles one table's live state: its WOS facade, Columnar Cache,
// and schema version chain (persisted through the manifest).
type table struct {
	name  string
	facade *wos.Facade
	cache  *columnar.Cache
}

// Engine is one open database instance. All exported methods are safe for
// concurrent use.
type Engine struct {
	mu sync.RWMutex

	dataDir   string
	inMemory  bool
	cfg       *config.Config
	flags     *featureflags.Set

	oracle      *oracle.Oracle
	manifest    *manifest.Manifest
	coordinator *tier.Coordinator
	txnMgr      *txn.Manager
	indexes     *secindex.Manager
	gpuExec     *gpu.Executor

	keyring   *crypt.KeyRing
	encrypted bool

	tables     map[string]*table
	analytical *analyticalStore
	metrics    *metrics.Collector
	scratchDir string // non-empty only for OpenInMemory instances; removed on Close

	lastErrMu sync.Mutex
	lastErr   map[string]error // session token -> last error
}

// tableAdapter lets pkg/txn read a table's live WOS facade without
// importing pkg/engine (avoiding an import cycle): it implements
// txn.TableProvider directly against Engine.
type tableAdapter struct{ e *Engine }

func (a tableAdapter) Facade(name string) (*wos.Facade, bool) {
	a.e.mu.RLock()
	defer a.e.mu.RUnlock()
	t, ok := a.e.tables[name]
	if !ok {
		return nil, false
	}
	return t.facade, true
}

// Open opens (creating if necessary) a durable database rooted at path.
func Open(path string, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.DataDir = path

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("engine: failed to create data dir: %w", err)
	}

	mf, err := manifest.Open(filepath.Join(path, "manifest"))
	if err != nil {
		return nil, err
	}

	o, err := oracle.NewDurable(mf.DB(), "oracle:commit_ts")
	if err != nil {
		mf.Close()
		return nil, err
	}

	_, statErr := os.Stat(filepath.Join(path, encryptionMarkerFile))
	return newEngine(path, false, cfg, mf, o, statErr == nil)
}

// OpenInMemory opens an ephemeral engine with no durable state beyond its
// own lifetime. ROS segments still need real files to back Arrow's memory-
// mapped reads, so each instance gets its own process-unique scratch
// directory under the OS temp dir, removed on Close — never a shared
// fixed path, which would let one "ephemeral" instance replay WAL entries
// left behind by another.
func OpenInMemory(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.DataDir = ""

	scratchDir, err := os.MkdirTemp("", "htapdb-inmemory-")
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create in-memory scratch dir: %w", err)
	}

	mf, err := manifest.OpenInMemory()
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, err
	}
	e, err := newEngine(scratchDir, true, cfg, mf, oracle.New(), false)
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, err
	}
	e.scratchDir = scratchDir
	return e, nil
}

// OpenEncrypted opens a durable database, derives an AEAD key from the
// passphrase and keeps it on the engine, and marks the engine as encrypted.
// The derivation salt is stored in an encryption marker file under path and
// reused on reopen. The key is not applied to any data: WAL records and ROS
// segments are written unencrypted, and a wrong passphrase is not detected.
func OpenEncrypted(path string, enc EncryptionOptions, opts Options) (*Engine, error) {
	if enc.Cipher == "" {
		enc.Cipher = crypt.CipherAES256GCM
	}
	if enc.KDFIterations == 0 {
		enc.KDFIterations = 600_000
	}

	e, err := Open(path, opts)
	if err != nil {
		return nil, err
	}

	markerPath := filepath.Join(path, encryptionMarkerFile)
	var salt []byte
	if data, readErr := os.ReadFile(markerPath); readErr == nil {
		salt = data
	} else {
		salt, err = crypt.NewSalt()
		if err != nil {
			e.Close()
			return nil, err
		}
		if err := os.WriteFile(markerPath, salt, 0o600); err != nil {
			e.Close()
			return nil, fmt.Errorf("engine: failed to write encryption marker: %w", err)
		}
	}

	key := crypt.DeriveKey(enc.Passphrase, salt, enc.KDFIterations)
	aead, err := crypt.NewAEAD(enc.Cipher, key)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.mu.Lock()
	e.keyring = crypt.NewKeyRing(aead)
	e.encrypted = true
	e.mu.Unlock()
	return e, nil
}

// LoadSnapshot opens a database previously written by SaveSnapshot. The
// snapshot directory has the same on-disk layout as a normal Open path, so
// LoadSnapshot is currently a thin alias; kept distinct in the API because
// a future format revision may require a conversion step here.
func LoadSnapshot(path string, opts Options) (*Engine, error) {
	return Open(path, opts)
}

func newEngine(dataDir string, inMemory bool, cfg *config.Config, mf *manifest.Manifest, o *oracle.Oracle, encrypted bool) (*Engine, error) {
	e := &Engine{
		dataDir:  dataDir,
		inMemory: inMemory,
		cfg:      cfg,
		flags:    featureflags.FromMap(cfg.FeatureFlags),
		oracle:   o,
		manifest: mf,
		indexes:  secindex.New(),
		tables:   make(map[string]*table),
		analytical: newAnalyticalStore(),
		metrics:  metrics.New(),
		lastErr:  make(map[string]error),
		encrypted: encrypted,
	}
	e.txnMgr = txn.New(o, tableAdapter{e})
	e.txnMgr.SetWriteHook(e.onTxnWrite)
	e.txnMgr.SetHooks(e.metrics.RecordCommit, e.metrics.RecordAbort)

	if cfg.GPU.Enabled {
		gpuExec, err := gpu.NewExecutor(cfg.GPU.ShardCount)
		if err != nil {
			mf.Close()
			return nil, err
		}
		e.gpuExec = gpuExec
	}

	tierCfg := tier.DefaultConfig(dataDir)
	tierCfg.FlushMaxEntries = cfg.Delta.FlushMaxEntries
	tierCfg.FlushMaxBytes = cfg.Delta.FlushMaxBytes
	tierCfg.FlushInterval = cfg.Delta.FlushInterval
	tierCfg.CompactionInterval = cfg.Compaction.Interval
	tierCfg.CacheSyncInterval = cfg.Cache.SyncInterval
	tierCfg.GCInterval = cfg.Txn.GCInterval
	e.coordinator = tier.NewCoordinator(tierCfg, o)
	e.coordinator.Start()

	return e, nil
}

// onTxnWrite keeps the Columnar Cache and secondary indexes in step with
// transactionally committed writes, installed as pkg/txn's write hook so
// that package has no direct dependency on either.
func (e *Engine) onTxnWrite(tableName string, key types.Key, value []byte, tombstone bool) {
	t, ok := e.getTable(tableName)
	if !ok {
		return
	}
	if !tombstone {
		t.cache.Stage([]columnar.Row{{Key: key, Value: value, CommitTS: e.oracle.Now()}})
		e.indexes.OnCommit(tableName, key, nil)
	}
}

// durability maps the engine's configured durability string to wal.Durability.
func (e *Engine) durability() wal.Durability {
	switch e.cfg.Durability {
	case "lazy":
		return wal.DurabilityLazy
	case "off":
		return wal.DurabilityOff
	default:
		return wal.DurabilityFull
	}
}

// ensureTable returns table's live state, registering it with an empty
// schema (schema-on-write) on first use.
func (e *Engine) ensureTable(name string) (*table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[name]; ok {
		return t, nil
	}
	return e.createTableLocked(name)
}

func (e *Engine) createTableLocked(name string) (*table, error) {
	facade, err := wos.New(e.dataDir, name, e.durability())
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open table %q: %w", name, err)
	}

	cache := columnar.New(columnarSyncMode(e.cfg.Cache.SyncMode), func() []columnar.Row { return nil })
	t := &table{name: name, facade: facade, cache: cache}
	e.tables[name] = t
	e.coordinator.Register(&tier.Table{Name: name, WOS: facade, Cache: cache})
	return t, nil
}

func columnarSyncMode(mode string) columnar.SyncMode {
	switch mode {
	case "immediate":
		return columnar.SyncImmediate
	case "batched_async":
		return columnar.SyncBatchedAsync
	default:
		return columnar.SyncThreshold
	}
}

// getTable returns a table's live state without creating it.
func (e *Engine) getTable(name string) (*table, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	return t, ok
}

// TableNames lists every table currently registered.
func (e *Engine) TableNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tables))
	for name := range e.tables {
		out = append(out, name)
	}
	return out
}

// IsEncrypted reports whether this engine instance was opened with
// at-rest encryption enabled.
func (e *Engine) IsEncrypted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.encrypted
}

// setLastError records err under sessionToken for a later LastError call,
// mirroring the FFI surface's thread-local last-error message (spec.md §6).
func (e *Engine) setLastError(sessionToken string, err error) {
	if sessionToken == "" {
		return
	}
	e.lastErrMu.Lock()
	defer e.lastErrMu.Unlock()
	e.lastErr[sessionToken] = err
}

// LastError returns the last error recorded for sessionToken, or nil if
// none (or the session is unknown).
func (e *Engine) LastError(sessionToken string) error {
	e.lastErrMu.Lock()
	defer e.lastErrMu.Unlock()
	return e.lastErr[sessionToken]
}

// ErrorCode maps err to its stable FFI numeric code (spec.md §6), or
// CodeDatabase for any error not part of the htaperr taxonomy.
func ErrorCode(err error) int32 {
	if err == nil {
		return htaperr.CodeOK
	}
	if coded, ok := err.(htaperr.Coded); ok {
		return coded.Code()
	}
	return htaperr.CodeDatabase
}

// Close stops all background tiers and releases every table's and the
// manifest's resources.
func (e *Engine) Close() error {
	e.coordinator.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, t := range e.tables {
		t.cache.Release()
		if err := t.facade.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.gpuExec != nil {
		if err := e.gpuExec.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.oracle.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.scratchDir != "" {
		if err := os.RemoveAll(e.scratchDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
