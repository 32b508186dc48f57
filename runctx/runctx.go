// Package runctx implements the Run Context Builder (§4.K): the
// once-per-run assembly step that resolves a source connection's
// credentials, constructs its token manager, builds or opens the run's
// destination adapters, selects an embedding model, loads the transformer
// catalog, and builds the dagrouter.Router — everything the orchestrator
// and the per-entity processor need, built once and shared read-only
// across every worker of the run.
//
// Grounded on config/config.go's SyncConfig/Validator aggregation pattern:
// one function that resolves many independent concerns into a single
// struct, failing fast if any one of them can't be resolved.
package runctx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"syncmesh.dev/engine/config"
	"syncmesh.dev/engine/dagrouter"
	"syncmesh.dev/engine/destination"
	"syncmesh.dev/engine/embedding"
	"syncmesh.dev/engine/ledger"
	"syncmesh.dev/engine/progress"
	"syncmesh.dev/engine/source"
	"syncmesh.dev/engine/tokenmanager"
	"syncmesh.dev/engine/transform"
)

// RunRequest is everything the caller (the orchestrator's entrypoint, or a
// test) supplies about one sync run. It is the per-run counterpart to
// SyncConfig's process-level settings.
type RunRequest struct {
	SyncID       string
	SyncJobID    string
	UserID       string
	CollectionID string
	WhiteLabelID string

	SourceShortName   string
	SourceCredentials map[string]string
	SourceConfig      map[string]interface{}

	// EncryptKey is the at-rest encryption key for the token manager's
	// persisted credentials (§4.D). Callers derive it from a secret store;
	// runctx never generates one.
	EncryptKey [32]byte
	// CredentialStore persists refreshed credentials; may be nil for
	// sources that never refresh (e.g. directly injected static tokens).
	CredentialStore tokenmanager.CredentialStore
	OAuth2Endpoint  *tokenmanager.OAuth2Endpoint
	WhiteLabel      *tokenmanager.OAuth2Endpoint

	// DAG describes the transformer/destination routing for this run's
	// entity types (§3, §4.F). Built by the caller from the sync's stored
	// collection configuration; runctx only validates and resolves it.
	DAG dagrouter.DAG

	// EmbeddingAPIKey selects the remote embedding model when non-empty
	// (§4.C "run-time property of the context").
	EmbeddingAPIKey string
	EmbeddingConfig embedding.RemoteConfig

	// DestinationCollectionID is the backing collection/index the
	// destinations create-if-missing against (§4.B).
	DestinationCollectionID string
}

// Context bundles everything built for one run.
type Context struct {
	Log          *logrus.Entry
	Source       source.Source
	Stream       source.Stream
	Router       *dagrouter.Router
	Model        embedding.Model
	Destinations []destination.Destination
	Tracker      *progress.Tracker
	TokenManager *tokenmanager.Manager
	SourceNodeID string

	closers []func() error
}

// Close releases the resources Build opened for this run (the source
// stream), in reverse build order. The shared connections in Deps
// (database, Redis, S3) are not closed here.
func (c *Context) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Deps bundles the process-wide, cross-run services a Builder shares
// across every run it assembles: the source registry, the transformer
// catalog, the ledger backend, and the connections the destination
// adapters attach to. This is the long-lived half of run construction;
// RunRequest is the per-run half.
type Deps struct {
	Sources      *source.Registry
	Transformers dagrouter.Catalog
	Ledger       ledger.Ledger
	Redis        *redis.Client
	S3           destination.S3Client
	S3Bucket     string
	Converter    transform.DocumentConverter
	Sync         *config.SyncConfig
	BaseLog      *logrus.Entry
}

// Builder constructs a runctx.Context for one RunRequest against a fixed
// set of Deps.
type Builder struct {
	deps Deps
}

// New builds a Builder over deps.
func New(deps Deps) *Builder {
	if deps.BaseLog == nil {
		deps.BaseLog = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Builder{deps: deps}
}

// Build resolves every run-scoped dependency named in §4.K. On any failure
// it closes whatever it already opened before returning the error.
func (b *Builder) Build(ctx context.Context, req RunRequest) (rc *Context, err error) {
	log := b.deps.BaseLog.WithFields(logrus.Fields{
		"sync_id":       req.SyncID,
		"sync_job_id":   req.SyncJobID,
		"user_id":       req.UserID,
		"collection_id": req.CollectionID,
	})

	rc = &Context{Log: log}
	defer func() {
		if err != nil {
			_ = rc.Close()
			rc = nil
		}
	}()

	src, err := b.deps.Sources.New(req.SourceShortName)
	if err != nil {
		return nil, fmt.Errorf("runctx: resolve source: %w", err)
	}

	tm := b.buildTokenManager(req, log)
	rc.TokenManager = tm
	wireTokenManager(src, tm)

	if err := src.Create(ctx, req.SourceCredentials, req.SourceConfig); err != nil {
		return nil, fmt.Errorf("runctx: create source: %w", err)
	}
	rc.Source = src

	stream, err := src.GenerateEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("runctx: open source stream: %w", err)
	}
	rc.Stream = stream
	rc.closers = append(rc.closers, stream.Close)

	router, err := dagrouter.New(req.DAG, b.deps.Transformers, 256)
	if err != nil {
		return nil, fmt.Errorf("runctx: build router: %w", err)
	}
	rc.Router = router
	sourceNode, err := req.DAG.SourceNode()
	if err != nil {
		return nil, fmt.Errorf("runctx: %w", err)
	}
	rc.SourceNodeID = sourceNode.ID

	dests, err := b.buildDestinations(ctx, req)
	if err != nil {
		return nil, err
	}
	rc.Destinations = dests

	var remote embedding.Model
	if req.EmbeddingAPIKey != "" {
		cfg := req.EmbeddingConfig
		cfg.APIKey = req.EmbeddingAPIKey
		remote = embedding.NewRemote(cfg)
	}
	rc.Model = embedding.Select(req.EmbeddingAPIKey, remote, embedding.NewLocal(384))

	pub := progress.NewRedisPublisher(b.deps.Redis)
	rc.Tracker = progress.New(req.SyncJobID, pub, log)

	return rc, nil
}

func (b *Builder) buildTokenManager(req RunRequest, log *logrus.Entry) *tokenmanager.Manager {
	if len(req.SourceCredentials) == 0 {
		return nil
	}
	strategy := tokenmanager.StrategyNone
	if req.SourceCredentials["refresh_token"] != "" {
		strategy = tokenmanager.StrategyOAuth2
	}
	initial := tokenmanager.Credentials{
		AccessToken:  req.SourceCredentials["access_token"],
		RefreshToken: req.SourceCredentials["refresh_token"],
	}
	tm := tokenmanager.New(req.SyncID, req.SourceShortName, strategy, initial, req.EncryptKey, req.CredentialStore, log)
	if req.OAuth2Endpoint != nil {
		tm = tm.WithOAuth2Endpoint(*req.OAuth2Endpoint)
	}
	if req.WhiteLabel != nil {
		tm = tm.WithWhiteLabel(*req.WhiteLabel)
	}
	return tm
}

// wireTokenManager attaches tm to whichever of the known source adapters
// src happens to be, via their WithTokenManager builder method. Sources
// that don't need a token manager (static-credential sources) simply
// don't match any case.
func wireTokenManager(src source.Source, tm *tokenmanager.Manager) {
	if tm == nil {
		return
	}
	switch s := src.(type) {
	case *source.Gitea:
		s.WithTokenManager(tm)
	case *source.OneDrive:
		s.WithTokenManager(tm)
	}
}

func (b *Builder) buildDestinations(ctx context.Context, req RunRequest) ([]destination.Destination, error) {
	var dests []destination.Destination
	if b.deps.Redis != nil {
		rv := destination.NewRedisVector(b.deps.Redis, "sync")
		if err := rv.Create(ctx, req.DestinationCollectionID); err != nil {
			return nil, fmt.Errorf("runctx: create redis destination: %w", err)
		}
		dests = append(dests, rv)
	}
	if b.deps.S3 != nil {
		sm := destination.NewS3Mirror(b.deps.S3, b.deps.S3Bucket)
		if err := sm.Create(ctx, req.DestinationCollectionID); err != nil {
			return nil, fmt.Errorf("runctx: create s3 destination: %w", err)
		}
		dests = append(dests, sm)
	}
	if len(dests) == 0 {
		return nil, fmt.Errorf("runctx: no destinations configured")
	}
	return dests, nil
}

// OpenPostgresLedger is a convenience constructor used by main.go's process
// bootstrap, grounded on the teacher's single-migration-at-boot convention.
func OpenPostgresLedger(dsn string) (*ledger.GormLedger, *gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("runctx: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&ledger.Record{}); err != nil {
		return nil, nil, fmt.Errorf("runctx: migrate ledger: %w", err)
	}
	return ledger.NewGormLedger(db), db, nil
}
