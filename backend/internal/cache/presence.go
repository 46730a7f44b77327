package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	StatusViewing = "viewing"
	StatusEditing = "editing"
)

type PresenceMember struct {
	UserID   uint64
	Username string
	Status   string
	LastSeen time.Time
}

type PresenceCache interface {
	Heartbeat(ctx context.Context, docID string, userID uint64, username string, editing bool, absenceTTL, editingTTL time.Duration) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Heartbeat refreshes a member's liveness key. The editing flag lives in its
// own key with a shorter TTL, so a member whose editing heartbeats stop is
// demoted to viewing by key expiry, and dropped entirely once the liveness
// key expires.
func (p *redisPresence) Heartbeat(ctx context.Context, docID string, userID uint64, username string, editing bool, absenceTTL, editingTTL time.Duration) error {
	now := time.Now().Unix()
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, roomKey(docID), userID)
	pipe.Set(ctx, memberKey(docID, userID), now, absenceTTL)
	pipe.HSet(ctx, namesKey(docID), userID, username)
	if editing {
		pipe.Set(ctx, editingKey(docID, userID), "1", editingTTL)
	} else {
		pipe.Del(ctx, editingKey(docID, userID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), userID)
	pipe.Del(ctx, memberKey(docID, userID))
	pipe.Del(ctx, editingKey(docID, userID))
	pipe.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	_, err := pipe.Exec(ctx)
	return err
}

// GetAliveMembers returns every member of the room whose liveness key has
// not expired, with status derived from the editing key.
func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: candidate members
	userIDs, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	// step2: liveness + editing state in one pipeline
	memberCmds := make([]*redis.StringCmd, 0, len(userIDs))
	editingCmds := make([]*redis.IntCmd, 0, len(userIDs))
	pipe := p.rdb.Pipeline()
	for _, raw := range userIDs {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		memberCmds = append(memberCmds, pipe.Get(ctx, memberKey(docID, uid)))
		editingCmds = append(editingCmds, pipe.Exists(ctx, editingKey(docID, uid)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs := make([]uint64, 0, len(userIDs))
	aliveFields := make([]string, 0, len(userIDs))
	lastSeen := make([]time.Time, 0, len(userIDs))
	statuses := make([]string, 0, len(userIDs))
	for i, cmd := range memberCmds {
		raw, err := cmd.Result()
		if err == redis.Nil {
			continue // liveness key expired, member is gone
		}
		if err != nil {
			return nil, err
		}
		uid, err := strconv.ParseUint(userIDs[i], 10, 64)
		if err != nil {
			return nil, err
		}
		ts, _ := strconv.ParseInt(raw, 10, 64)
		status := StatusViewing
		if editingCmds[i].Val() == 1 {
			status = StatusEditing
		}
		aliveIDs = append(aliveIDs, uid)
		aliveFields = append(aliveFields, userIDs[i])
		lastSeen = append(lastSeen, time.Unix(ts, 0))
		statuses = append(statuses, status)
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: usernames
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveFields...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{
			UserID:   aliveIDs[i],
			Username: name,
			Status:   statuses[i],
			LastSeen: lastSeen[i],
		})
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
}
