package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 跨实例的在线成员镜像。会话内的权威状态仍在内存里，这里只用于展示/运维查询。
type PresenceCache interface {
	AddMember(ctx context.Context, resourceID, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, resourceID, userID string) error
	GetAliveMembers(ctx context.Context, resourceID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, resourceID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, resourceID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// 具体实现：基于 redis 的 PresenceCache，单机与集群客户端都可以
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员
// KEYS[1] = roomKey   KEYS[2] = namesKey   ARGV[1] = now (unix seconds)
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新 TTL 也直接调用 AddMember
func (p *redisPresence) AddMember(ctx context.Context, resourceID, userID, displayName string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(resourceID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(resourceID), userID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, resourceID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(resourceID), userID)
	tx.HDel(ctx, namesKey(resourceID), userID)
	tx.Del(ctx, cursorKey(resourceID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, resourceID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(resourceID, userID), jsonData, ttl).Err()
}

// GetCursor 没有光标时返回 nil, nil
func (p *redisPresence) GetCursor(ctx context.Context, resourceID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(resourceID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, resourceID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	if err := sweepScript.Run(ctx, p.rdb, []string{roomKey(resourceID), namesKey(resourceID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(resourceID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(resourceID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{
			UserID:      id,
			DisplayName: name,
			ExpiresAt:   time.Unix(int64(alive[i].Score), 0),
		})
	}
	return members, nil
}
