package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"artline/internal/domain"
)

const keyPrefix = "artline:registry:"

// Cached wraps a Registry with a Redis read-through cache for lookups and
// edges. Any Redis failure falls through to the inner registry.
type Cached struct {
	Inner  Registry
	Client *redis.Client
	TTL    time.Duration
	Log    logrus.FieldLogger
}

// NewCached parses redisURL and wraps inner.
func NewCached(inner Registry, redisURL string, ttl time.Duration, log logrus.FieldLogger) (*Cached, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("registry cache url: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cached{Inner: inner, Client: redis.NewClient(opt), TTL: ttl, Log: log}, nil
}

func lookupKey(ref domain.ArtifactRef) string { return keyPrefix + "lookup:" + ref.String() }
func edgesKey(ref domain.ArtifactRef) string  { return keyPrefix + "edges:" + ref.String() }

func (c *Cached) get(ctx context.Context, key string, dest any) bool {
	val, err := c.Client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.Log.WithError(err).WithField("key", key).Debug("registry cache get failed")
		}
		return false
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false
	}
	return true
}

func (c *Cached) set(ctx context.Context, key string, value any) {
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.Client.Set(ctx, key, b, c.TTL).Err(); err != nil {
		c.Log.WithError(err).WithField("key", key).Debug("registry cache set failed")
	}
}

func (c *Cached) Lookup(ctx context.Context, ref domain.ArtifactRef) (Record, error) {
	var rec Record
	if c.get(ctx, lookupKey(ref), &rec) {
		return rec, nil
	}
	rec, err := c.Inner.Lookup(ctx, ref)
	if err != nil {
		return rec, err
	}
	c.set(ctx, lookupKey(ref), rec)
	return rec, nil
}

func (c *Cached) Edges(ctx context.Context, ref domain.ArtifactRef) ([]Edge, error) {
	var edges []Edge
	if c.get(ctx, edgesKey(ref), &edges) {
		return edges, nil
	}
	edges, err := c.Inner.Edges(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.set(ctx, edgesKey(ref), edges)
	return edges, nil
}

// OpenChangeRequests is never cached; change requests move too often.
func (c *Cached) OpenChangeRequests(ctx context.Context, refs []domain.ArtifactRef) ([]ChangeRequestRef, error) {
	return c.Inner.OpenChangeRequests(ctx, refs)
}

// Invalidate drops cached entries for the given artifacts.
func (c *Cached) Invalidate(ctx context.Context, refs ...domain.ArtifactRef) error {
	if len(refs) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(refs))
	for _, r := range refs {
		keys = append(keys, lookupKey(r), edgesKey(r))
	}
	return c.Client.Del(ctx, keys...).Err()
}

func (c *Cached) Close() error {
	return c.Client.Close()
}
