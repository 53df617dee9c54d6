package session

import (
	"sort"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateIdle
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Permissions 能力字符串集合
type Permissions map[string]struct{}

func NewPermissions(names ...string) Permissions {
	p := make(Permissions, len(names))
	for _, n := range names {
		if n != "" {
			p[n] = struct{}{}
		}
	}
	return p
}

func (p Permissions) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Missing 返回 required 中缺少的权限
func (p Permissions) Missing(required []string) []string {
	var out []string
	for _, r := range required {
		if !p.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (p Permissions) List() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p Permissions) Clone() Permissions {
	c := make(Permissions, len(p))
	for k := range p {
		c[k] = struct{}{}
	}
	return c
}

// Grant 外部鉴权方在握手时交给会话的身份和权限
type Grant struct {
	UserID      string
	Permissions Permissions
}
