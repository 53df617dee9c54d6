package authz

import (
	"context"

	"realtimeCollab/backend/internal/session"
)

// Static 本地开发用：凭证原样当作用户 id，所有人拿同一组权限。
// AllowAnonymous 为 true 时空凭证也能握手。
type Static struct {
	Permissions    []string
	AllowAnonymous bool
}

func (s Static) Resolve(_ context.Context, credential string) (session.Grant, error) {
	if credential == "" && !s.AllowAnonymous {
		return session.Grant{}, ErrMissingCredential
	}
	perms := s.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions
	}
	return session.Grant{UserID: credential, Permissions: session.NewPermissions(perms...)}, nil
}
