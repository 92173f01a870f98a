package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror copies driver presence into Redis GEO so dashboards and other
// processes can read positions without talking to the dispatch process.
type RedisMirror struct {
	client  *redis.Client
	key     string
	metaTTL time.Duration
}

func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	return &RedisMirror{client: client, key: key, metaTTL: 10 * time.Minute}
}

// Apply writes one presence snapshot. Off-duty drivers are removed from the
// geo set but keep their metadata hash until it expires.
func (r *RedisMirror) Apply(ctx context.Context, p models.DriverPresence) error {
	pipe := r.client.TxPipeline()
	if p.OnDuty {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: p.DriverID, Longitude: p.Lon, Latitude: p.Lat})
	} else {
		pipe.ZRem(ctx, r.key, p.DriverID)
	}
	pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"zone":      p.ZoneID,
		"heading":   strconv.FormatFloat(p.Heading, 'f', 1, 64),
		"on_duty":   strconv.FormatBool(p.OnDuty),
		"last_seen": p.LastSeenAt.UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, metaKey(p.DriverID), r.metaTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisMirror) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }

// PublishLocation writes straight to Redis when no broker sits in between.
func (r *RedisMirror) PublishLocation(ctx context.Context, p models.DriverPresence) error {
	return r.Apply(ctx, p)
}
