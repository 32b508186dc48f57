package source

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGitLabCreateRequiresProjectID(t *testing.T) {
	s := &GitLab{}
	err := s.Create(nil, map[string]string{}, map[string]interface{}{})
	require.Error(t, err)
}

func TestGitLabShortName(t *testing.T) {
	require.Equal(t, "gitlab", (&GitLab{}).ShortName())
}

func TestGitLabCursorFieldIsFixedToUpdatedAt(t *testing.T) {
	s := &GitLab{}
	require.Equal(t, "updated_at", s.GetDefaultCursorField())
	require.Equal(t, "updated_at", s.GetEffectiveCursorField())
	require.NoError(t, s.ValidateCursorField("updated_at"))
	require.Error(t, s.ValidateCursorField("created_at"))
}

func TestGitLabSetCursorParsesRFC3339(t *testing.T) {
	s := &GitLab{}
	s.SetCursor("updated_at", "2026-01-02T15:04:05Z")
	require.Equal(t, 2026, s.updatedAfter.Year())
}

func TestGitLabSetCursorIgnoresUnparseableValue(t *testing.T) {
	s := &GitLab{}
	s.SetCursor("updated_at", "garbage")
	require.True(t, s.updatedAfter.IsZero())
}
