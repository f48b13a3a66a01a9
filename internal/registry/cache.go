package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qihang-tours/guide-scheduler/backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

// CachedRegistry 在 Registry 外包一层 redis 读缓存。
// 缓存对象由调用方显式创建和持有，写操作（参与者变更）会显式地让相关键失效
type CachedRegistry struct {
	inner Registry
	rdb   *redis.Client
	ttl   time.Duration
}

func NewCachedRegistry(inner Registry, rdb *redis.Client, ttlSeconds int) *CachedRegistry {
	return &CachedRegistry{
		inner: inner,
		rdb:   rdb,
		ttl:   time.Duration(ttlSeconds) * time.Second,
	}
}

func tourKey(date time.Time, slot domain.Slot) string {
	return fmt.Sprintf("registry_tour_%s_%s", date.Format("2006-01-02"), slot)
}

func cancelledKey(eventID string) string {
	return "registry_cancelled_" + eventID
}

func (c *CachedRegistry) TourForSlot(ctx context.Context, date time.Time, slot domain.Slot) (*domain.Tour, error) {
	key := tourKey(date, slot)

	cached, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		tour := &domain.Tour{}
		if err := json.Unmarshal([]byte(cached), tour); err == nil {
			return tour, nil
		}
		// 缓存内容损坏时直接穿透，下面会重新写入
	}

	tour, err := c.inner.TourForSlot(ctx, date, slot)
	if err != nil {
		return nil, err
	}

	// 只缓存命中的结果，缓存"没有团"会让新建的团在 TTL 内不可见
	if tour != nil {
		if data, err := json.Marshal(tour); err == nil {
			c.rdb.Set(ctx, key, data, c.ttl)
		}
	}

	return tour, nil
}

func (c *CachedRegistry) IsCancelled(ctx context.Context, eventID string) (bool, error) {
	cached, err := c.rdb.Get(ctx, cancelledKey(eventID)).Result()
	if err == nil {
		return cached == "1", nil
	}

	cancelled, err := c.inner.IsCancelled(ctx, eventID)
	if err != nil {
		return false, err
	}

	val := "0"
	if cancelled {
		val = "1"
	}
	c.rdb.Set(ctx, cancelledKey(eventID), val, c.ttl)

	return cancelled, nil
}

// CancelledFlags 不走缓存：对账任务每轮都需要最新的取消标记
func (c *CachedRegistry) CancelledFlags(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	return c.inner.CancelledFlags(ctx, eventIDs)
}

func (c *CachedRegistry) AddParticipant(ctx context.Context, eventID string, email string) error {
	if err := c.inner.AddParticipant(ctx, eventID, email); err != nil {
		return err
	}
	c.rdb.Del(ctx, cancelledKey(eventID))
	return nil
}

func (c *CachedRegistry) RemoveParticipant(ctx context.Context, eventID string, email string) error {
	if err := c.inner.RemoveParticipant(ctx, eventID, email); err != nil {
		return err
	}
	c.rdb.Del(ctx, cancelledKey(eventID))
	return nil
}
