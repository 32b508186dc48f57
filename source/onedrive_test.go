package source

import (
	"context"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/require"
)

func TestDerefStringHandlesNil(t *testing.T) {
	require.Equal(t, "", derefString(nil))
	s := "value"
	require.Equal(t, "value", derefString(&s))
}

func TestOneDriveCreateRequiresDriveID(t *testing.T) {
	s := &OneDrive{}
	err := s.Create(context.Background(), map[string]string{}, map[string]interface{}{})
	require.Error(t, err)
}

func TestOneDriveCursorFieldIsFixedToDeltaLink(t *testing.T) {
	s := &OneDrive{}
	require.Equal(t, "delta_link", s.GetDefaultCursorField())
	require.NoError(t, s.ValidateCursorField("delta_link"))
	require.Error(t, s.ValidateCursorField("other"))

	s.SetCursor("delta_link", "token-123")
	require.Equal(t, "token-123", s.deltaLink)
}

func TestManagerCredentialFallsBackToStaticToken(t *testing.T) {
	cred := &managerCredential{fallback: "static-token"}
	tok, err := cred.GetToken(context.Background(), azcore.TokenRequestOptions{})
	require.NoError(t, err)
	require.Equal(t, "static-token", tok.Token)
}
