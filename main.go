// Command engine runs the sync runtime's process entrypoint: load
// configuration, open the ledger and Redis connections, register sources
// and transformers, and run one sync to completion. It has no served HTTP
// surface (§1 Non-goals) — a sync is a single foreground run, started by
// flag and stopped by SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"syncmesh.dev/engine/config"
	"syncmesh.dev/engine/dagrouter"
	"syncmesh.dev/engine/orchestrator"
	"syncmesh.dev/engine/runctx"
	"syncmesh.dev/engine/source"
	"syncmesh.dev/engine/transform"
	"syncmesh.dev/engine/workerpool"
)

func main() {
	var (
		syncID      = flag.String("sync-id", "", "sync id to run (required)")
		syncJobID   = flag.String("sync-job-id", "", "sync job id for this run (required)")
		sourceName  = flag.String("source", "", "registered source short name (required)")
		collectionID = flag.String("collection-id", "", "destination collection id")
		logLevel    = flag.String("log-level", "info", "debug, info, warn, error")
	)
	flag.Parse()

	log := newLogger(*logLevel)

	if *syncID == "" || *syncJobID == "" || *sourceName == "" {
		log.Fatal("sync-id, sync-job-id and source are required")
	}

	cfg, err := config.LoadSyncConfig("ENGINE")
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *syncID, *syncJobID, *sourceName, *collectionID); err != nil {
		log.WithError(err).Fatal("sync run failed")
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	}
	return logrus.NewEntry(l)
}

func run(ctx context.Context, cfg *config.SyncConfig, log *logrus.Entry, syncID, syncJobID, sourceName, collectionID string) error {
	ledgr, db, err := runctx.OpenPostgresLedger(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	defer redisClient.Close()

	sources := source.NewRegistry()
	sources.Register("gitea", source.NewGitea)
	sources.Register("gitlab", source.NewGitLab)
	sources.Register("couchdb", source.NewCouchDB)
	sources.Register("onedrive", source.NewOneDrive)

	transformers := dagrouter.NewMapCatalog()
	chunker := transform.NewChunker(nil, log)
	transformers.Register("chunker", chunker.Transform)

	builder := runctx.New(runctx.Deps{
		Sources:      sources,
		Transformers: transformers,
		Ledger:       ledgr,
		Redis:        redisClient,
		Sync:         cfg,
		BaseLog:      log,
	})

	rc, err := builder.Build(ctx, runctx.RunRequest{
		SyncID:                  syncID,
		SyncJobID:               syncJobID,
		SourceShortName:         sourceName,
		SourceConfig:            map[string]interface{}{},
		DAG:                     defaultDAG(sourceName),
		DestinationCollectionID: collectionID,
	})
	if err != nil {
		return fmt.Errorf("build run context: %w", err)
	}
	defer rc.Close()

	pool := workerpool.New(workerpool.Config{
		MaxWorkers:   cfg.MaxWorkers,
		DrainTimeout: cfg.DrainTimeout,
	}, log)

	return orchestrator.Run(ctx, rc, pool, ledgr, syncID, syncJobID, "")
}

// defaultDAG wires the single registered source straight to a single
// destination node for every entity type (an edge with no type filter),
// the minimal one-hop DAG every concrete source in this repo needs. For the
// onedrive source only, "file" entities route through the "chunker" node
// instead, and other entity types reach no destination.
func defaultDAG(sourceName string) dagrouter.DAG {
	sourceNode := dagrouter.Node{ID: "source", Kind: dagrouter.NodeSource}
	destNode := dagrouter.Node{ID: "destination", Kind: dagrouter.NodeDestination}
	nodes := []dagrouter.Node{sourceNode, destNode}
	edges := []dagrouter.Edge{{From: "source", To: "destination"}}

	if sourceName == "onedrive" {
		chunkerNode := dagrouter.Node{ID: "chunker", Kind: dagrouter.NodeTransformer, Name: "chunker"}
		nodes = []dagrouter.Node{sourceNode, chunkerNode, destNode}
		edges = []dagrouter.Edge{
			{From: "source", To: "chunker", EntityTypes: []string{"file"}},
			{From: "chunker", To: "destination"},
		}
	}
	return dagrouter.DAG{Nodes: nodes, Edges: edges}
}

func redisAddr(url string) string {
	// RedisURL is stored in redis://host:port/db form; go-redis/v9's
	// Options wants just the host:port for Addr when auth/db aren't set.
	const prefix = "redis://"
	addr := url
	if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
		addr = addr[len(prefix):]
	}
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}
