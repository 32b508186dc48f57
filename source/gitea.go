package source

import (
	"context"
	"fmt"
	"time"

	"code.gitea.io/sdk/gitea"

	"syncmesh.dev/engine/entity"
	"syncmesh.dev/engine/resilience"
	"syncmesh.dev/engine/tokenmanager"
)

// Gitea sources "issue" entities off a Gitea instance's REST API,
// grounded on forge/gitea.go's client-construction idiom (gitea.NewClient
// + gitea.SetToken), repurposed from one-shot archive fetches into a
// paginated issue stream.
type Gitea struct {
	client *gitea.Client
	owner  string
	repo   string
	tokens *tokenmanager.Manager
	since  time.Time // zero value means from the beginning
}

// NewGitea constructs an unconnected Gitea source for registration.
func NewGitea() Source { return &Gitea{} }

func (s *Gitea) ShortName() string { return "gitea" }

// WithTokenManager wires the shared per-connection token manager so 401
// responses can trigger RefreshOnUnauthorized (§4.A).
func (s *Gitea) WithTokenManager(tm *tokenmanager.Manager) *Gitea {
	s.tokens = tm
	return s
}

func (s *Gitea) Create(ctx context.Context, credentials map[string]string, config map[string]interface{}) error {
	baseURL, _ := config["base_url"].(string)
	s.owner, _ = config["owner"].(string)
	s.repo, _ = config["repo"].(string)
	if baseURL == "" || s.owner == "" || s.repo == "" {
		return fmt.Errorf("gitea source: base_url, owner and repo config fields are required")
	}
	client, err := gitea.NewClient(baseURL, gitea.SetToken(credentials["access_token"]))
	if err != nil {
		return fmt.Errorf("gitea source: create client: %w", err)
	}
	s.client = client
	return nil
}

func (s *Gitea) Validate(ctx context.Context) (bool, error) {
	_, _, err := s.client.GetMyUserInfo()
	if err == nil {
		return true, nil
	}
	if s.tokens == nil {
		return false, nil
	}
	// A single retry after a forced refresh, per §4.A's 401-handling
	// contract.
	if _, refreshErr := s.tokens.RefreshOnUnauthorized(ctx, s.currentToken()); refreshErr != nil {
		return false, fmt.Errorf("gitea source: validate: %w", refreshErr)
	}
	_, _, err = s.client.GetMyUserInfo()
	return err == nil, nil
}

func (s *Gitea) currentToken() string {
	if s.tokens == nil {
		return ""
	}
	token, _ := s.tokens.GetValidToken(context.Background())
	return token
}

// GetDefaultCursorField names the issue-updated-at filter Gitea's list-issues
// endpoint accepts (§4.A); like CouchDB's cursor it is opaque to the caller,
// just an RFC3339 timestamp rather than a sequence token.
func (s *Gitea) GetDefaultCursorField() string { return "updated_at" }

func (s *Gitea) ValidateCursorField(field string) error {
	if field != "updated_at" {
		return fmt.Errorf("gitea source: cursor field must be updated_at")
	}
	return nil
}

// SetCursor parses value as RFC3339; an unparseable value leaves the cursor
// at its current setting rather than erroring, consistent with §4.A leaving
// cursor persistence format up to the implementer.
func (s *Gitea) SetCursor(field, value string) {
	if value == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return
	}
	s.since = t
}

func (s *Gitea) GetEffectiveCursorField() string { return "updated_at" }

func (s *Gitea) GenerateEntities(ctx context.Context) (Stream, error) {
	return &giteaStream{source: s, page: 1, pageSize: 50, limiter: resilience.NewLimiter(5, 5)}, nil
}

type giteaStream struct {
	source   *Gitea
	buffer   []*gitea.Issue
	page     int
	pageSize int
	done     bool
	limiter  *resilience.Limiter
}

func (st *giteaStream) Next(ctx context.Context) (*entity.Entity, bool, error) {
	for len(st.buffer) == 0 {
		if st.done {
			return nil, false, nil
		}
		if err := st.limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("gitea source: rate limit wait: %w", err)
		}
		var issues []*gitea.Issue
		err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			var listErr error
			issues, _, listErr = st.source.client.ListRepoIssues(st.source.owner, st.source.repo, gitea.ListIssueOption{
				ListOptions: gitea.ListOptions{Page: st.page, PageSize: st.pageSize},
				Type:        gitea.IssueTypeIssue,
				State:       gitea.StateAll,
				Since:       st.source.since,
			})
			return listErr
		})
		if err != nil {
			return nil, false, fmt.Errorf("gitea source: list issues: %w", err)
		}
		if len(issues) < st.pageSize {
			st.done = true
		}
		st.page++
		st.buffer = issues
	}

	issue := st.buffer[0]
	st.buffer = st.buffer[1:]

	return &entity.Entity{
		EntityID: fmt.Sprintf("%d", issue.ID),
		Type:     "issue",
		Fields: map[string]interface{}{
			"title":       issue.Title,
			"body":        issue.Body,
			"state":       string(issue.State),
			"number":      issue.Index,
			"labels":      labelNames(issue.Labels),
			"created_at":  issue.Created,
			"closed_at":   issue.Closed,
			"html_url":    issue.HTMLURL,
			"update_time": issue.Updated,
		},
	}, true, nil
}

func labelNames(labels []*gitea.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}

func (st *giteaStream) Close() error { return nil }
