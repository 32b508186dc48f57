package source

import (
	"context"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"syncmesh.dev/engine/entity"
)

// CouchDB sources entities off a database's `_changes` feed, grounded on
// the teacher's db/couchdb_changes.go ListenChanges wiring (kivik client,
// since/feed/include_docs params) adapted from a callback feed into the
// pull-based Stream this spec's worker pool expects.
type CouchDB struct {
	dsn      string
	database string
	client   *kivik.Client
	db       *kivik.DB
	cursor   string // "since" sequence, empty means from the beginning
}

// NewCouchDB constructs an unconnected CouchDB source for registration.
func NewCouchDB() Source { return &CouchDB{} }

func (s *CouchDB) ShortName() string { return "couchdb" }

func (s *CouchDB) Create(ctx context.Context, credentials map[string]string, config map[string]interface{}) error {
	dsn, _ := config["dsn"].(string)
	database, _ := config["database"].(string)
	if dsn == "" || database == "" {
		return fmt.Errorf("couchdb source: dsn and database config fields are required")
	}
	if user := credentials["username"]; user != "" {
		dsn = fmt.Sprintf("http://%s:%s@%s", user, credentials["password"], dsn)
	}
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return fmt.Errorf("couchdb source: connect: %w", err)
	}
	s.client = client
	s.db = client.DB(database)
	s.dsn = dsn
	s.database = database
	return nil
}

func (s *CouchDB) Validate(ctx context.Context) (bool, error) {
	ok := s.client.IsAuthenticated(ctx)
	return ok, nil
}

// GetDefaultCursorField reports the sequence field CouchDB's changes feed
// natively orders by; CouchDB's cursor is opaque (a `_changes` sequence
// token), not a user field, so this simply names it for display.
func (s *CouchDB) GetDefaultCursorField() string { return "_seq" }

func (s *CouchDB) ValidateCursorField(field string) error {
	if field != "_seq" {
		return fmt.Errorf("couchdb source: cursor field must be _seq")
	}
	return nil
}

func (s *CouchDB) SetCursor(field, value string) { s.cursor = value }

func (s *CouchDB) GetEffectiveCursorField() string { return "_seq" }

func (s *CouchDB) GenerateEntities(ctx context.Context) (Stream, error) {
	opts := kivik.Params(map[string]interface{}{
		"feed":         "normal",
		"include_docs": true,
	})
	if s.cursor != "" {
		opts = kivik.Params(map[string]interface{}{
			"feed":         "normal",
			"include_docs": true,
			"since":        s.cursor,
		})
	}
	changes := s.db.Changes(ctx, opts)
	return &couchdbStream{changes: changes}, nil
}

type couchdbStream struct {
	changes *kivik.Changes
}

func (st *couchdbStream) Next(ctx context.Context) (*entity.Entity, bool, error) {
	if !st.changes.Next() {
		if err := st.changes.Err(); err != nil {
			return nil, false, fmt.Errorf("couchdb source: changes feed: %w", err)
		}
		return nil, false, nil
	}

	var doc map[string]interface{}
	if err := st.changes.ScanDoc(&doc); err != nil {
		return nil, false, fmt.Errorf("couchdb source: scan doc: %w", err)
	}

	id := st.changes.ID()
	typ, _ := doc["type"].(string)
	if typ == "" {
		typ = "document"
	}
	delete(doc, "_id")
	delete(doc, "_rev")

	return &entity.Entity{
		EntityID: id,
		Type:     typ,
		Fields:   doc,
	}, true, nil
}

func (st *couchdbStream) Close() error { return st.changes.Close() }
