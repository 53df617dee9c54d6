// Package authz 握手时的权限来源：调用鉴权服务 /v1/auth/verify，把 claims 换成会话权限
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"realtimeCollab/backend/internal/session"
)

var (
	ErrMissingCredential = errors.New("authz: missing credential")
	ErrRejected          = errors.New("authz: credential rejected")
	ErrUpstream          = errors.New("authz: auth upstream error")
)

// DefaultPermissions 鉴权服务没有下发权限时给的默认集合
var DefaultPermissions = []string{"view", "edit", "collaborate"}

type verifyErrResp struct {
	Error string `json:"error"`
}

// VerifyClaims 鉴权服务的响应体
type VerifyClaims struct {
	UserID      uint64   `json:"userId"`
	Username    string   `json:"username"`
	Type        string   `json:"type"` // "access"
	Permissions []string `json:"permissions,omitempty"`
}

type VerifierOptions struct {
	Timeout time.Duration
	// CacheTTL 成功结果的缓存时间，0 表示不缓存
	CacheTTL           time.Duration
	DefaultPermissions []string
	Client             *http.Client
	Logger             *zap.Logger
}

type cached struct {
	grant   session.Grant
	expires time.Time
}

// Verifier 实现 duplex.PermissionSource。
// 同一个 token 的并发校验（重连风暴）合并成一次上游调用。
type Verifier struct {
	verifyURL string
	opts      VerifierOptions
	logger    *zap.Logger
	group     singleflight.Group

	mu    sync.Mutex
	cache map[string]cached
}

// authBaseURL 不带路径，例如 http://localhost:3001
func NewVerifier(authBaseURL string, opts VerifierOptions) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 1200 * time.Millisecond
	}
	if len(opts.DefaultPermissions) == 0 {
		opts.DefaultPermissions = DefaultPermissions
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Verifier{
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		opts:      opts,
		logger:    opts.Logger.Named("authz"),
		cache:     make(map[string]cached),
	}
}

func (v *Verifier) Resolve(ctx context.Context, credential string) (session.Grant, error) {
	if credential == "" {
		return session.Grant{}, ErrMissingCredential
	}
	if g, ok := v.lookup(credential); ok {
		return g, nil
	}
	res, err, shared := v.group.Do(credential, func() (any, error) {
		return v.verify(ctx, credential)
	})
	if err != nil {
		return session.Grant{}, err
	}
	g := res.(session.Grant)
	if shared {
		// 共享结果时 Permissions 是同一个 map，各会话要各自一份
		g.Permissions = g.Permissions.Clone()
	}
	v.store(credential, g)
	return g, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (session.Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return session.Grant{}, fmt.Errorf("%w: build verify request: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.opts.Client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		v.logger.Warn("auth verify failed", zap.Error(err))
		return session.Grant{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return session.Grant{}, fmt.Errorf("%w: %s", ErrRejected, e.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return session.Grant{}, fmt.Errorf("%w: verify status %d", ErrUpstream, resp.StatusCode)
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return session.Grant{}, fmt.Errorf("%w: invalid verify response", ErrUpstream)
	}
	if claims.Type != "" && claims.Type != "access" {
		return session.Grant{}, fmt.Errorf("%w: access token required", ErrRejected)
	}
	if claims.UserID == 0 {
		return session.Grant{}, fmt.Errorf("%w: verify response has no user", ErrUpstream)
	}

	perms := claims.Permissions
	if len(perms) == 0 {
		perms = v.opts.DefaultPermissions
	}
	return session.Grant{
		UserID:      strconv.FormatUint(claims.UserID, 10),
		Permissions: session.NewPermissions(perms...),
	}, nil
}

func (v *Verifier) lookup(token string) (session.Grant, bool) {
	if v.opts.CacheTTL <= 0 {
		return session.Grant{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cache[token]
	if !ok {
		return session.Grant{}, false
	}
	if time.Now().After(c.expires) {
		delete(v.cache, token)
		return session.Grant{}, false
	}
	return session.Grant{UserID: c.grant.UserID, Permissions: c.grant.Permissions.Clone()}, true
}

func (v *Verifier) store(token string, g session.Grant) {
	if v.opts.CacheTTL <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[token] = cached{
		grant:   session.Grant{UserID: g.UserID, Permissions: g.Permissions.Clone()},
		expires: time.Now().Add(v.opts.CacheTTL),
	}
}
