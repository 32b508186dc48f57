package tokenmanager

import "errors"

// Token manager errors (§4.D, §7).
var (
	ErrNotRefreshable   = errors.New("token manager: source connection is not refreshable")
	ErrNoRefreshToken   = errors.New("token manager: no refresh token on file")
	ErrRefreshFailed    = errors.New("token manager: refresh request failed")
	ErrAuthProviderCall = errors.New("token manager: external auth provider call failed")
)
