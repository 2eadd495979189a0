package store

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
)

// reportTTL bounds staleness of cached external reports.
const reportTTL = 10 * time.Minute

// ReportCache fronts a ReportLoader with Redis. Cache trouble degrades to
// the underlying loader; the guidance merge step never sees cache errors.
type ReportCache struct {
	client *redis.Client
	next   guidance.ReportLoader
	ttl    time.Duration
}

// NewReportCache wraps next with a Redis cache. A nil client returns next
// unchanged behavior via a pass-through cache.
func NewReportCache(client *redis.Client, next guidance.ReportLoader) *ReportCache {
	return &ReportCache{client: client, next: next, ttl: reportTTL}
}

func reportCacheKey(caseID string) string {
	return "vpsim:report:" + caseID
}

// LoadReport serves from cache when possible. An empty report is cached
// too, so absent reports don't hammer the backing store every round.
func (c *ReportCache) LoadReport(ctx context.Context, caseID string) (string, error) {
	if c.client != nil {
		val, err := c.client.Get(ctx, reportCacheKey(caseID)).Result()
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			log.Printf("[STORE] report cache read failed case=%s: %v", caseID, err)
		}
	}

	report, err := c.next.LoadReport(ctx, caseID)
	if err != nil {
		return "", err
	}

	if c.client != nil {
		if err := c.client.Set(ctx, reportCacheKey(caseID), report, c.ttl).Err(); err != nil {
			log.Printf("[STORE] report cache write failed case=%s: %v", caseID, err)
		}
	}
	return report, nil
}

// Invalidate drops a case's cached report, for report intake paths.
func (c *ReportCache) Invalidate(ctx context.Context, caseID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, reportCacheKey(caseID)).Err(); err != nil {
		log.Printf("[STORE] report cache invalidate failed case=%s: %v", caseID, err)
	}
}
