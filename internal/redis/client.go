package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-orchestrator/internal/config"
)

// Key prefixes
const (
	AlertCooldownPrefix  = "alert:cooldown:"
	HealthSnapshotPrefix = "health:snapshot:"
)

// Client wraps the Redis client with application-specific methods
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection to Redis
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireAlertCooldown claims the cooldown slot for an alert key. Returns
// true when no cooldown was active (the alert should be sent), false when
// a previous alert is still within its cooldown window.
func (c *Client) AcquireAlertCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, AlertCooldownPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire alert cooldown: %w", err)
	}
	return ok, nil
}

// ClearAlertCooldown drops the cooldown slot, allowing the next alert
// through immediately (used on recovery).
func (c *Client) ClearAlertCooldown(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, AlertCooldownPrefix+key).Err()
}

// HealthSnapshot is the cached last-known health view for a customer
type HealthSnapshot struct {
	CustomerID    string    `json:"customer_id"`
	HTTPStatus    string    `json:"http_status"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Uptime24h     float64   `json:"uptime_24h"`
	CheckedAt     time.Time `json:"checked_at"`
}

// CacheHealthSnapshot stores the last-known health view with a TTL
func (c *Client) CacheHealthSnapshot(ctx context.Context, snapshot *HealthSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal health snapshot: %w", err)
	}

	return c.rdb.Set(ctx, HealthSnapshotPrefix+snapshot.CustomerID, data, ttl).Err()
}

// GetHealthSnapshot reads the cached health view, or nil when absent
func (c *Client) GetHealthSnapshot(ctx context.Context, customerID string) (*HealthSnapshot, error) {
	data, err := c.rdb.Get(ctx, HealthSnapshotPrefix+customerID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health snapshot: %w", err)
	}

	var snapshot HealthSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health snapshot: %w", err)
	}

	return &snapshot, nil
}
