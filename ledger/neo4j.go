package ledger

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jLedger is the opt-in graph-backed ledger (§4.E, §9 "ledger backend
// is pluggable"): it stores one (:Entity) node per (sync_id, entity_id)
// with a PARENT_OF edge to its parent. Its DeleteMissing selects stale ids
// the same way GormLedger does, in application code from ListBySync, and
// does not traverse the PARENT_OF edges. Grounded on db/repository/neo4j.go's driver/session/ExecuteWrite
// idiom, repurposed from the action-dependency graph onto the entity
// ledger's (sync, entity, parent, hash) shape.
type Neo4jLedger struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jLedger opens a driver against uri and verifies connectivity.
func NewNeo4jLedger(uri, username, password string) (*Neo4jLedger, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j ledger: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, fmt.Errorf("neo4j ledger: connect: %w", err)
	}
	return &Neo4jLedger{driver: driver}, nil
}

func (l *Neo4jLedger) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return l.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
}

func (l *Neo4jLedger) Get(ctx context.Context, syncID, entityID string) (*Record, error) {
	session := l.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Entity {sync_id: $syncID, entity_id: $entityID})
			RETURN e.hash as hash, e.parent_entity_id as parentEntityID, e.sync_job_id as syncJobID
		`, map[string]interface{}{"syncID": syncID, "entityID": entityID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		rec := res.Record()
		hash, _ := rec.Get("hash")
		parentID, _ := rec.Get("parentEntityID")
		jobID, _ := rec.Get("syncJobID")
		return &Record{
			SyncID:         syncID,
			EntityID:       entityID,
			Hash:           fmt.Sprintf("%v", hash),
			ParentEntityID: fmt.Sprintf("%v", parentID),
			SyncJobID:      fmt.Sprintf("%v", jobID),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j ledger get: %w", err)
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result.(*Record), nil
}

func (l *Neo4jLedger) Create(ctx context.Context, rec *Record) error {
	session := l.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if _, err := tx.Run(ctx, `
			MERGE (e:Entity {sync_id: $syncID, entity_id: $entityID})
			SET e.hash = $hash, e.parent_entity_id = $parentEntityID, e.sync_job_id = $syncJobID
		`, map[string]interface{}{
			"syncID": rec.SyncID, "entityID": rec.EntityID,
			"hash": rec.Hash, "parentEntityID": rec.ParentEntityID, "syncJobID": rec.SyncJobID,
		}); err != nil {
			return nil, err
		}
		if rec.ParentEntityID == "" {
			return nil, nil
		}
		_, err := tx.Run(ctx, `
			MATCH (child:Entity {sync_id: $syncID, entity_id: $entityID})
			MERGE (parent:Entity {sync_id: $syncID, entity_id: $parentEntityID})
			MERGE (parent)-[:PARENT_OF]->(child)
		`, map[string]interface{}{
			"syncID": rec.SyncID, "entityID": rec.EntityID, "parentEntityID": rec.ParentEntityID,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j ledger create: %w", err)
	}
	return nil
}

func (l *Neo4jLedger) Update(ctx context.Context, syncID, entityID, newHash string) error {
	session := l.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Entity {sync_id: $syncID, entity_id: $entityID})
			SET e.hash = $hash
			RETURN count(e) as n
		`, map[string]interface{}{"syncID": syncID, "entityID": entityID, "hash": newHash})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return int64(0), res.Err()
		}
		n, _ := res.Record().Get("n")
		return n, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j ledger update: %w", err)
	}
	if n, ok := result.(int64); ok && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *Neo4jLedger) Delete(ctx context.Context, syncID, entityID string) error {
	session := l.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return tx.Run(ctx, `
			MATCH (e:Entity {sync_id: $syncID, entity_id: $entityID})
			DETACH DELETE e
		`, map[string]interface{}{"syncID": syncID, "entityID": entityID})
	})
	if err != nil {
		return fmt.Errorf("neo4j ledger delete: %w", err)
	}
	return nil
}

// DeleteMissing detach-deletes every Entity node for syncID whose entity id
// is not in observedEntityIDs, in one write transaction. The ids are taken
// from ListBySync; a child node is deleted only when its own id is
// unobserved, not because its parent was deleted.
func (l *Neo4jLedger) DeleteMissing(ctx context.Context, syncID string, observedEntityIDs map[string]bool) ([]string, error) {
	existing, err := l.ListBySync(ctx, syncID)
	if err != nil {
		return nil, err
	}
	var toDelete []string
	for _, rec := range existing {
		if !observedEntityIDs[rec.EntityID] {
			toDelete = append(toDelete, rec.EntityID)
		}
	}
	if len(toDelete) == 0 {
		return nil, nil
	}

	session := l.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return tx.Run(ctx, `
			MATCH (e:Entity {sync_id: $syncID})
			WHERE e.entity_id IN $ids
			DETACH DELETE e
		`, map[string]interface{}{"syncID": syncID, "ids": toDelete})
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j ledger delete missing: %w", err)
	}
	return toDelete, nil
}

func (l *Neo4jLedger) ListBySync(ctx context.Context, syncID string) ([]Record, error) {
	session := l.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, `
			MATCH (e:Entity {sync_id: $syncID})
			RETURN e.entity_id as entityID, e.parent_entity_id as parentEntityID, e.hash as hash, e.sync_job_id as syncJobID
		`, map[string]interface{}{"syncID": syncID})
		if err != nil {
			return nil, err
		}
		var recs []Record
		for res.Next(ctx) {
			rec := res.Record()
			entityID, _ := rec.Get("entityID")
			parentID, _ := rec.Get("parentEntityID")
			hash, _ := rec.Get("hash")
			jobID, _ := rec.Get("syncJobID")
			recs = append(recs, Record{
				SyncID:         syncID,
				EntityID:       fmt.Sprintf("%v", entityID),
				ParentEntityID: fmt.Sprintf("%v", parentID),
				Hash:           fmt.Sprintf("%v", hash),
				SyncJobID:      fmt.Sprintf("%v", jobID),
			})
		}
		return recs, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j ledger list: %w", err)
	}
	return result.([]Record), nil
}

// Close releases the underlying driver, matching the teacher's
// repository.Close() convention.
func (l *Neo4jLedger) Close(ctx context.Context) error {
	return l.driver.Close(ctx)
}
