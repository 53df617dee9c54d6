package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultPresenceTTL = 45 * time.Second

// Presence 记录哪些会话正在看哪个文档，供多实例部署时查询在线成员
type Presence interface {
	AddMember(ctx context.Context, docID, sessionID, userID string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, sessionID string) error
	// Refresh 续期会话在这些文档上的存活键
	Refresh(ctx context.Context, docIDs []string, sessionID string, ttl time.Duration) error
	GetMembers(ctx context.Context, docID string) ([]string, error)
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// 具体实现：基于 redis 的 Presence，单机和集群都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) Presence {
	return &redisPresence{rdb: rdb}
}

// NewClient 一个地址用单机客户端，多个地址用集群客户端
func NewClient(addrs []string, password string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
	})
}

func (p *redisPresence) AddMember(ctx context.Context, docID, sessionID, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	pipe := p.rdb.Pipeline()
	// 为文档添加成员
	pipe.SAdd(ctx, roomKey(docID), sessionID)
	// 为成员添加存活键
	pipe.Set(ctx, memberKey(docID, sessionID), "1", ttl)
	// sessionId → userId
	pipe.HSet(ctx, usersKey(docID), sessionID, userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, sessionID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), sessionID)
	pipe.Del(ctx, memberKey(docID, sessionID))
	pipe.HDel(ctx, usersKey(docID), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) Refresh(ctx context.Context, docIDs []string, sessionID string, ttl time.Duration) error {
	if len(docIDs) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	pipe := p.rdb.Pipeline()
	for _, docID := range docIDs {
		pipe.Set(ctx, memberKey(docID, sessionID), "1", ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) GetMembers(ctx context.Context, docID string) ([]string, error) {
	members, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, keyRoomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		documents = append(documents, strings.TrimPrefix(iter.Val(), keyRoomPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(documents)
	return documents, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 候选成员
	sessionIDs, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	sort.Strings(sessionIDs)

	// step2: 存活键还在的就是 TTL 未过期的成员
	existsCmds := make([]*redis.IntCmd, 0, len(sessionIDs))
	pipe := p.rdb.Pipeline()
	for _, sid := range sessionIDs {
		existsCmds = append(existsCmds, pipe.Exists(ctx, memberKey(docID, sid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	alive := make([]string, 0, len(sessionIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, sessionIDs[i])
		}
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 取 userId
	users, err := p.rdb.HMGet(ctx, usersKey(docID), alive...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, v := range users {
		uid, _ := v.(string)
		members = append(members, PresenceMember{SessionID: alive[i], UserID: uid})
	}
	return members, nil
}
