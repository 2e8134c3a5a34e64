// Package store 票据存储层
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/redis/go-redis/v9"
)

// 票据存储错误
var (
	ErrTicketNotFound    = errors.New("票据不存在")
	ErrTicketExpired     = errors.New("票据已过期")
	ErrTicketConsumed    = errors.New("票据已被使用")
	ErrDuplicateTicketID = errors.New("票据 ID 重复")
)

// TicketStore 票据存储接口
// ConsumeIfValid 是唯一需要跨调用方互斥的原语：并发调用时恰好一个成功
type TicketStore interface {
	// Save 保存票据，ID 冲突时返回 ErrDuplicateTicketID
	Save(ctx context.Context, ticket *model.Ticket) error
	// Get 按 ID 与类型获取票据；kind 为空表示不限类型
	Get(ctx context.Context, id string, kind model.TicketKind) (*model.Ticket, error)
	// Delete 删除票据并级联删除全部后代
	Delete(ctx context.Context, id string) error
	// ConsumeIfValid 原子消费：存在、未过期、未消费时置为已消费并返回票据
	ConsumeIfValid(ctx context.Context, id string) (*model.Ticket, error)
	// ListChildren 列出直接子票据
	ListChildren(ctx context.Context, parentID string) ([]*model.Ticket, error)
	// ListExpired 列出在 now 时刻已过期的指定类型票据
	ListExpired(ctx context.Context, now time.Time, kind model.TicketKind) ([]*model.Ticket, error)
	// DeleteExpired 删除在 now 时刻已过期的票据（含级联），返回删除数量
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// RecordVisit 记录一次成功消费的服务访问（单点登出用），同服务覆盖为最近一次
	RecordVisit(ctx context.Context, tgtID string, visit *model.Visit) error
	// ListVisits 按消费时间顺序列出会话内访问过的服务
	ListVisits(ctx context.Context, tgtID string) ([]*model.Visit, error)
}

// Redis key 前缀
const (
	ticketKeyPrefix   = "ticket:"
	childrenKeyPrefix = "ticket_children:"
	visitsKeyPrefix   = "ticket_visits:"
	registryKey       = "ticket_ids"  // 历史 ID 注册表，ID 永不复用
	liveKey           = "ticket_live" // 在库票据，过期清理的扫描范围
)

// consumeScript 原子消费脚本
// 过期判断以毫秒时间戳比较；恰好一个调用方能完成 0 -> 1 的翻转
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'notfound'
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[1]) then
  return 'expired'
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
  return 'consumed'
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 'ok'
`)

type redisStore struct {
	redis *redis.Client
	grace time.Duration // 过期票据在存储中保留的宽限期，保证能区分"过期"与"不存在"
}

// NewRedisStore 创建基于 Redis 的票据存储
func NewRedisStore(client *redis.Client, grace time.Duration) TicketStore {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &redisStore{redis: client, grace: grace}
}

// Save 保存票据
func (s *redisStore) Save(ctx context.Context, ticket *model.Ticket) error {
	// 注册表保证 ID 全局唯一且永不复用
	added, err := s.redis.SAdd(ctx, registryKey, ticket.ID).Result()
	if err != nil {
		return fmt.Errorf("注册票据 ID 失败: %w", err)
	}
	if added == 0 {
		return ErrDuplicateTicketID
	}

	key := ticketKeyPrefix + ticket.ID
	if err := s.redis.HSet(ctx, key, ticket.ToHash()).Err(); err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}

	// TTL 为过期时间加宽限期，作为清理的兜底；逻辑过期在代码中判断
	ttl := time.Until(ticket.ExpiresAt) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	s.redis.Expire(ctx, key, ttl)

	if err := s.redis.SAdd(ctx, liveKey, ticket.ID).Err(); err != nil {
		return fmt.Errorf("添加在库索引失败: %w", err)
	}

	// 父子索引，级联删除沿此遍历
	if ticket.ParentID != "" {
		childrenKey := childrenKeyPrefix + ticket.ParentID
		if err := s.redis.SAdd(ctx, childrenKey, ticket.ID).Err(); err != nil {
			return fmt.Errorf("添加父子索引失败: %w", err)
		}
	}

	return nil
}

// Get 获取票据
func (s *redisStore) Get(ctx context.Context, id string, kind model.TicketKind) (*model.Ticket, error) {
	ticket, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if kind != "" && ticket.Kind != kind {
		return nil, ErrTicketNotFound
	}
	return ticket, nil
}

// load 读取票据记录，不做类型过滤
func (s *redisStore) load(ctx context.Context, id string) (*model.Ticket, error) {
	key := ticketKeyPrefix + id
	h, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("读取票据失败: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrTicketNotFound
	}
	ticket, err := model.TicketFromHash(h)
	if err != nil {
		return nil, fmt.Errorf("解码票据失败: %w", err)
	}
	return ticket, nil
}

// Delete 删除票据并级联删除全部后代
func (s *redisStore) Delete(ctx context.Context, id string) error {
	_, err := s.deleteCascade(ctx, id)
	return err
}

// deleteCascade 迭代遍历父子索引，自顶向下删除整棵子树
func (s *redisStore) deleteCascade(ctx context.Context, id string) (int, error) {
	count := 0
	pending := []string{id}
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		childrenKey := childrenKeyPrefix + cur
		children, err := s.redis.SMembers(ctx, childrenKey).Result()
		if err != nil {
			return count, fmt.Errorf("读取子票据索引失败: %w", err)
		}
		pending = append(pending, children...)

		deleted, err := s.redis.Del(ctx, ticketKeyPrefix+cur).Result()
		if err != nil {
			return count, fmt.Errorf("删除票据失败: %w", err)
		}
		count += int(deleted)

		s.redis.Del(ctx, childrenKey)
		s.redis.Del(ctx, visitsKeyPrefix+cur)
		s.redis.SRem(ctx, liveKey, cur)
	}
	return count, nil
}

// ConsumeIfValid 原子消费票据
func (s *redisStore) ConsumeIfValid(ctx context.Context, id string) (*model.Ticket, error) {
	key := ticketKeyPrefix + id
	now := time.Now().UnixMilli()

	result, err := consumeScript.Run(ctx, s.redis, []string{key}, now).Result()
	if err != nil {
		return nil, fmt.Errorf("消费票据失败: %w", err)
	}

	switch result {
	case "ok":
	case "notfound":
		return nil, ErrTicketNotFound
	case "expired":
		return nil, ErrTicketExpired
	case "consumed":
		return nil, ErrTicketConsumed
	default:
		return nil, fmt.Errorf("消费脚本返回未知结果: %v", result)
	}

	ticket, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// ListChildren 列出直接子票据
func (s *redisStore) ListChildren(ctx context.Context, parentID string) ([]*model.Ticket, error) {
	ids, err := s.redis.SMembers(ctx, childrenKeyPrefix+parentID).Result()
	if err != nil {
		return nil, fmt.Errorf("读取子票据索引失败: %w", err)
	}

	var tickets []*model.Ticket
	for _, id := range ids {
		ticket, err := s.load(ctx, id)
		if err != nil {
			// 子票据可能已被 TTL 兜底回收，跳过
			if errors.Is(err, ErrTicketNotFound) {
				continue
			}
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// ListExpired 列出已过期的指定类型票据
func (s *redisStore) ListExpired(ctx context.Context, now time.Time, kind model.TicketKind) ([]*model.Ticket, error) {
	ids, err := s.redis.SMembers(ctx, liveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("读取在库索引失败: %w", err)
	}

	var tickets []*model.Ticket
	for _, id := range ids {
		ticket, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTicketNotFound) {
				continue
			}
			return nil, err
		}
		if ticket.Kind == kind && ticket.IsExpiredAt(now) {
			tickets = append(tickets, ticket)
		}
	}
	return tickets, nil
}

// DeleteExpired 删除已过期票据
func (s *redisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.redis.SMembers(ctx, liveKey).Result()
	if err != nil {
		return 0, fmt.Errorf("读取在库索引失败: %w", err)
	}

	count := 0
	for _, id := range ids {
		ticket, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTicketNotFound) {
				// 已被 TTL 兜底回收，仅清理索引
				s.redis.SRem(ctx, liveKey, id)
				continue
			}
			return count, err
		}
		if ticket.IsExpiredAt(now) {
			deleted, err := s.deleteCascade(ctx, id)
			count += deleted
			if err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

// RecordVisit 记录会话内一次成功的服务票据消费
func (s *redisStore) RecordVisit(ctx context.Context, tgtID string, visit *model.Visit) error {
	data, err := json.Marshal(visit)
	if err != nil {
		return fmt.Errorf("序列化访问记录失败: %w", err)
	}

	key := visitsKeyPrefix + tgtID
	if err := s.redis.HSet(ctx, key, visit.Service, data).Err(); err != nil {
		return fmt.Errorf("存储访问记录失败: %w", err)
	}

	// 访问记录随会话存活：TTL 对齐 TGT 剩余时间加宽限期
	ttl := s.grace
	if tgt, err := s.load(ctx, tgtID); err == nil {
		if remain := time.Until(tgt.ExpiresAt); remain > 0 {
			ttl = remain + s.grace
		}
	}
	s.redis.Expire(ctx, key, ttl)

	return nil
}

// ListVisits 按消费时间顺序列出访问记录
func (s *redisStore) ListVisits(ctx context.Context, tgtID string) ([]*model.Visit, error) {
	h, err := s.redis.HGetAll(ctx, visitsKeyPrefix+tgtID).Result()
	if err != nil {
		return nil, fmt.Errorf("读取访问记录失败: %w", err)
	}

	visits := make([]*model.Visit, 0, len(h))
	for _, raw := range h {
		var v model.Visit
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("反序列化访问记录失败: %w", err)
		}
		visits = append(visits, &v)
	}

	sort.Slice(visits, func(i, j int) bool {
		return visits[i].ConsumedAt.Before(visits[j].ConsumedAt)
	})
	return visits, nil
}
