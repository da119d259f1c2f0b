package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/oplog"
)

// OpStore implements oplog.Store on Redis. Durability follows the server's
// persistence settings, so run it against an AOF-enabled instance.
//
// Layout:
//
//	ZSET quizlive:oplog:pending   score=created ms, member={seq:020}:{id}
//	HASH quizlive:oplog:entry:{id} type, payload, created_ms, retry_count, last_error, member
//	SET  quizlive:oplog:synced    ids waiting for purge
type OpStore struct {
	client *redis.Client
	prefix string
}

func NewOpStore(client *redis.Client) *OpStore {
	return &OpStore{client: client, prefix: "quizlive:oplog:"}
}

func (s *OpStore) Append(ctx context.Context, entry oplog.Entry) error {
	exists, err := s.client.Exists(ctx, s.entryKey(entry.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("op %s already stored", entry.ID)
	}
	seq, err := s.client.Incr(ctx, s.prefix+"seq").Result()
	if err != nil {
		return err
	}
	member := fmt.Sprintf("%020d:%s", seq, entry.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entryKey(entry.ID), map[string]interface{}{
			"type":        entry.Type,
			"payload":     string(entry.Payload),
			"created_ms":  entry.CreatedAt.UnixMilli(),
			"retry_count": entry.RetryCount,
			"last_error":  entry.LastError,
			"member":      member,
		})
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: member})
		return nil
	})
	return err
}

func (s *OpStore) Pending(ctx context.Context, limit int) ([]oplog.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.ZRange(ctx, s.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.entryKey(idFromMember(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]oplog.Entry, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		createdMs, _ := strconv.ParseInt(fields["created_ms"], 10, 64)
		retries, _ := strconv.Atoi(fields["retry_count"])
		out = append(out, oplog.Entry{
			ID:         idFromMember(members[i]),
			Type:       fields["type"],
			Payload:    []byte(fields["payload"]),
			CreatedAt:  time.UnixMilli(createdMs).UTC(),
			RetryCount: retries,
			LastError:  fields["last_error"],
		})
	}
	return out, nil
}

func (s *OpStore) MarkSynced(ctx context.Context, id string) error {
	member, err := s.member(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.pendingKey(), member)
		pipe.HSet(ctx, s.entryKey(id), "synced", 1, "last_error", "")
		pipe.SAdd(ctx, s.syncedKey(), id)
		return nil
	})
	return err
}

func (s *OpStore) IncrementRetry(ctx context.Context, id, lastErr string) error {
	if _, err := s.member(ctx, id); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, s.entryKey(id), "retry_count", 1)
		pipe.HSet(ctx, s.entryKey(id), "last_error", lastErr)
		return nil
	})
	return err
}

func (s *OpStore) PurgeSynced(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, s.syncedKey()).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.entryKey(id))
			pipe.SRem(ctx, s.syncedKey(), id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *OpStore) member(ctx context.Context, id string) (string, error) {
	member, err := s.client.HGet(ctx, s.entryKey(id), "member").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("op %s not found", id)
	}
	return member, err
}

func (s *OpStore) pendingKey() string { return s.prefix + "pending" }
func (s *OpStore) syncedKey() string  { return s.prefix + "synced" }
func (s *OpStore) entryKey(id string) string {
	return s.prefix + "entry:" + id
}

func idFromMember(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}
