package source

import (
	"testing"

	"code.gitea.io/sdk/gitea"
	"github.com/stretchr/testify/require"
)

func TestGiteaCreateRequiresBaseURLOwnerAndRepo(t *testing.T) {
	s := &Gitea{}
	err := s.Create(nil, map[string]string{}, map[string]interface{}{"base_url": "https://gitea.example.com"})
	require.Error(t, err, "missing owner/repo must fail fast")
}

func TestGiteaShortName(t *testing.T) {
	require.Equal(t, "gitea", (&Gitea{}).ShortName())
}

func TestLabelNamesProjectsLabelNameField(t *testing.T) {
	labels := []*gitea.Label{{Name: "bug"}, {Name: "triage"}}
	require.Equal(t, []string{"bug", "triage"}, labelNames(labels))
}

func TestLabelNamesEmptyInputReturnsEmptySlice(t *testing.T) {
	require.Empty(t, labelNames(nil))
}

func TestGiteaCursorFieldIsFixedToUpdatedAt(t *testing.T) {
	s := &Gitea{}
	require.Equal(t, "updated_at", s.GetDefaultCursorField())
	require.Equal(t, "updated_at", s.GetEffectiveCursorField())
	require.NoError(t, s.ValidateCursorField("updated_at"))
	require.Error(t, s.ValidateCursorField("created_at"))
}

func TestGiteaSetCursorParsesRFC3339(t *testing.T) {
	s := &Gitea{}
	s.SetCursor("updated_at", "2026-01-02T15:04:05Z")
	require.Equal(t, 2026, s.since.Year())
}

func TestGiteaSetCursorIgnoresUnparseableValue(t *testing.T) {
	s := &Gitea{}
	s.SetCursor("updated_at", "not-a-time")
	require.True(t, s.since.IsZero())
}
