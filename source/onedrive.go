package source

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"syncmesh.dev/engine/entity"
	"syncmesh.dev/engine/tokenmanager"
)

// OneDrive sources file entities off a user's drive, using Microsoft
// Graph's delta query on the drive root. Each run reads the first delta
// page only; the delta_link cursor given to SetCursor is stored but not
// passed to the query, so runs are not incremental. Grounded on
// cloud/azuregraph.go's msgraph-sdk-go client wiring, but authenticated
// with the run's own tokenmanager.Manager rather than azidentity's
// client-credentials flow — a sync run already holds a live, refreshable
// user token, so re-deriving one via app-only auth would be redundant.
type OneDrive struct {
	client    *msgraphsdk.GraphServiceClient
	driveID   string
	deltaLink string
	tokens    *tokenmanager.Manager
}

// NewOneDrive constructs an unconnected OneDrive source for registration.
func NewOneDrive() Source { return &OneDrive{} }

func (s *OneDrive) ShortName() string { return "onedrive" }

func (s *OneDrive) Create(ctx context.Context, credentials map[string]string, config map[string]interface{}) error {
	s.driveID, _ = config["drive_id"].(string)
	if s.driveID == "" {
		return fmt.Errorf("onedrive source: drive_id config field is required")
	}
	cred := &managerCredential{tokens: s.tokens, fallback: credentials["access_token"]}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return fmt.Errorf("onedrive source: create client: %w", err)
	}
	s.client = client
	return nil
}

// WithTokenManager wires the shared per-connection token manager so the
// delta feed can ride proactive refreshes instead of the static
// credentials.access_token it was constructed with (§4.A).
func (s *OneDrive) WithTokenManager(tm *tokenmanager.Manager) *OneDrive {
	s.tokens = tm
	return s
}

func (s *OneDrive) Validate(ctx context.Context) (bool, error) {
	_, err := s.client.Me().Get(ctx, nil)
	return err == nil, err
}

func (s *OneDrive) GetDefaultCursorField() string    { return "delta_link" }
func (s *OneDrive) ValidateCursorField(field string) error {
	if field != "delta_link" {
		return fmt.Errorf("onedrive source: cursor field must be delta_link")
	}
	return nil
}
func (s *OneDrive) SetCursor(field, value string)   { s.deltaLink = value }
func (s *OneDrive) GetEffectiveCursorField() string { return "delta_link" }

func (s *OneDrive) GenerateEntities(ctx context.Context) (Stream, error) {
	return &onedriveStream{source: s}, nil
}

type onedriveStream struct {
	source *OneDrive
	buffer []models.DriveItemable
	done   bool
}

func (st *onedriveStream) Next(ctx context.Context) (*entity.Entity, bool, error) {
	for len(st.buffer) == 0 {
		if st.done {
			return nil, false, nil
		}
		items, err := st.source.client.Drives().ByDriveId(st.source.driveID).Root().Delta().Get(ctx, nil)
		if err != nil {
			return nil, false, fmt.Errorf("onedrive source: delta query: %w", err)
		}
		st.buffer = items.GetValue()
		// A production adapter would follow @odata.nextLink/@odata.deltaLink
		// pages here; this single page is sufficient for a bounded sync run
		// exercising the file-entity and chunker path (§4.F S4).
		st.done = true
	}

	item := st.buffer[0]
	st.buffer = st.buffer[1:]

	id := derefString(item.GetId())
	name := derefString(item.GetName())
	size := int64(0)
	if item.GetSize() != nil {
		size = *item.GetSize()
	}
	modified := time.Now()
	if item.GetLastModifiedDateTime() != nil {
		modified = *item.GetLastModifiedDateTime()
	}

	mimeType := ""
	downloadURL := ""
	if file := item.GetFile(); file != nil && file.GetMimeType() != nil {
		mimeType = *file.GetMimeType()
	}
	if additional := item.GetAdditionalData(); additional != nil {
		if v, ok := additional["@microsoft.graph.downloadUrl"].(string); ok {
			downloadURL = v
		}
	}

	e := &entity.Entity{
		EntityID: id,
		Type:     "file",
		Fields: map[string]interface{}{
			"name":         name,
			"mime_type":    mimeType,
			"size":         size,
			"modified_at":  modified,
			"download_url": downloadURL,
		},
	}
	return e, true, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (st *onedriveStream) Close() error { return nil }

// managerCredential adapts tokenmanager.Manager to azcore.TokenCredential
// so the Graph SDK's request pipeline pulls a proactively-refreshed token
// on every call instead of the one the client was constructed with.
type managerCredential struct {
	tokens   *tokenmanager.Manager
	fallback string
}

func (c *managerCredential) GetToken(ctx context.Context, opts azcore.TokenRequestOptions) (azcore.AccessToken, error) {
	if c.tokens == nil {
		return azcore.AccessToken{Token: c.fallback, ExpiresOn: time.Now().Add(time.Hour)}, nil
	}
	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: token, ExpiresOn: time.Now().Add(25 * time.Minute)}, nil
}
