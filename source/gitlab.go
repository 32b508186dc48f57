package source

import (
	"context"
	"fmt"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"syncmesh.dev/engine/entity"
	"syncmesh.dev/engine/resilience"
)

// GitLab sources "issue" entities off a GitLab project, paginated via the
// client-go SDK. Grounded on the Gitea source's shape above (same
// ShortName/Create/Validate/GenerateEntities skeleton, different vendor
// SDK) so both forge-style sources stay structurally interchangeable,
// including the updated-at cursor.
type GitLab struct {
	client       *gitlab.Client
	projectID    string
	updatedAfter time.Time // zero value means from the beginning
}

// NewGitLab constructs an unconnected GitLab source for registration.
func NewGitLab() Source { return &GitLab{} }

func (s *GitLab) ShortName() string { return "gitlab" }

func (s *GitLab) Create(ctx context.Context, credentials map[string]string, config map[string]interface{}) error {
	s.projectID, _ = config["project_id"].(string)
	if s.projectID == "" {
		return fmt.Errorf("gitlab source: project_id config field is required")
	}
	baseURL, _ := config["base_url"].(string)
	opts := []gitlab.ClientOptionFunc{}
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}
	client, err := gitlab.NewOAuthClient(credentials["access_token"], opts...)
	if err != nil {
		return fmt.Errorf("gitlab source: create client: %w", err)
	}
	s.client = client
	return nil
}

func (s *GitLab) Validate(ctx context.Context) (bool, error) {
	_, _, err := s.client.Users.CurrentUser()
	return err == nil, err
}

// GetDefaultCursorField names GitLab's issue updated-at filter (§4.A),
// mirroring the Gitea source's cursor shape: an RFC3339 timestamp, opaque
// to the caller.
func (s *GitLab) GetDefaultCursorField() string { return "updated_at" }

func (s *GitLab) ValidateCursorField(field string) error {
	if field != "updated_at" {
		return fmt.Errorf("gitlab source: cursor field must be updated_at")
	}
	return nil
}

// SetCursor parses value as RFC3339; an unparseable value leaves the cursor
// at its current setting, matching the Gitea source's tolerance.
func (s *GitLab) SetCursor(field, value string) {
	if value == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return
	}
	s.updatedAfter = t
}

func (s *GitLab) GetEffectiveCursorField() string { return "updated_at" }

func (s *GitLab) GenerateEntities(ctx context.Context) (Stream, error) {
	return &gitlabStream{source: s, page: 1, perPage: 50, limiter: resilience.NewLimiter(5, 5)}, nil
}

type gitlabStream struct {
	source  *GitLab
	buffer  []*gitlab.Issue
	page    int
	perPage int
	done    bool
	limiter *resilience.Limiter
}

func (st *gitlabStream) Next(ctx context.Context) (*entity.Entity, bool, error) {
	for len(st.buffer) == 0 {
		if st.done {
			return nil, false, nil
		}
		if err := st.limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("gitlab source: rate limit wait: %w", err)
		}
		var issues []*gitlab.Issue
		var resp *gitlab.Response
		err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			opts := &gitlab.ListProjectIssuesOptions{
				ListOptions: gitlab.ListOptions{Page: st.page, PerPage: st.perPage},
			}
			if !st.source.updatedAfter.IsZero() {
				opts.UpdatedAfter = &st.source.updatedAfter
			}
			var listErr error
			issues, resp, listErr = st.source.client.Issues.ListProjectIssues(st.source.projectID, opts)
			return listErr
		})
		if err != nil {
			return nil, false, fmt.Errorf("gitlab source: list issues: %w", err)
		}
		if resp.NextPage == 0 {
			st.done = true
		}
		st.page = resp.NextPage
		st.buffer = issues
	}

	issue := st.buffer[0]
	st.buffer = st.buffer[1:]

	return &entity.Entity{
		EntityID: fmt.Sprintf("%d", issue.ID),
		Type:     "issue",
		Fields: map[string]interface{}{
			"title":      issue.Title,
			"body":       issue.Description,
			"state":      issue.State,
			"iid":        issue.IID,
			"labels":     issue.Labels,
			"created_at": issue.CreatedAt,
			"closed_at":  issue.ClosedAt,
			"web_url":    issue.WebURL,
			"updated_at": issue.UpdatedAt,
		},
	}, true, nil
}

func (st *gitlabStream) Close() error { return nil }
