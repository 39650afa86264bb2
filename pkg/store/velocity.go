package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SafePayLabs/vigil/pkg/detect"
)

// Velocity key layout, per payer:
//
//	vigil:vel:<payer>:24h     set of transaction ids, 24h TTL
//	vigil:vel:<payer>:seen    set of transaction ids folded into the baseline, 30d TTL
//	vigil:vel:<payer>:stats   hash {n, sum, sumsq} for the amount baseline, 30d TTL
//
// Each TTL is renewed by every observation that touches its key, so a key
// expires as a whole once the payer has been idle that long. Ids and amounts
// are not aged out one by one: for an active payer the 24h set and the stats
// also hold observations older than 24h and 30d.
//
// Observations are idempotent by transaction id: the stats hash only moves
// when the id enters the seen set, and profile reads subtract the queried
// transaction's own contribution. Re-scoring a request therefore sees the
// same profile every time.
const (
	velTTL24h  = 24 * time.Hour
	velTTL30d  = 30 * 24 * time.Hour
	velMinIdle = 5 // baseline samples required before z-scores mean anything
)

// RedisVelocity implements detect.VelocitySource on Redis.
type RedisVelocity struct {
	client *redis.Client
}

var _ detect.VelocitySource = (*RedisVelocity)(nil)

// NewRedisVelocity connects and verifies the Redis URL.
func NewRedisVelocity(ctx context.Context, redisURL string) (*RedisVelocity, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisVelocity{client: client}, nil
}

// Close releases the client.
func (v *RedisVelocity) Close() error {
	return v.client.Close()
}

// Ping reports reachability.
func (v *RedisVelocity) Ping(ctx context.Context) error {
	return v.client.Ping(ctx).Err()
}

func velKey(payer, suffix string) string {
	return "vigil:vel:" + payer + ":" + suffix
}

// ProfileFor implements detect.VelocitySource. The returned profile excludes
// the given transaction's own contribution.
func (v *RedisVelocity) ProfileFor(ctx context.Context, payerVPA, transactionID string, amount float64) (*detect.VelocityProfile, error) {
	if payerVPA == "" {
		return nil, nil
	}

	pipe := v.client.Pipeline()
	countCmd := pipe.SCard(ctx, velKey(payerVPA, "24h"))
	member24Cmd := pipe.SIsMember(ctx, velKey(payerVPA, "24h"), transactionID)
	seenCmd := pipe.SIsMember(ctx, velKey(payerVPA, "seen"), transactionID)
	statsCmd := pipe.HGetAll(ctx, velKey(payerVPA, "stats"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("velocity profile: %w", err)
	}

	count := int(countCmd.Val())
	if member24Cmd.Val() {
		count--
	}

	stats := statsCmd.Val()
	n := parseInt(stats["n"])
	sum := parseFloat(stats["sum"])
	sumsq := parseFloat(stats["sumsq"])
	if seenCmd.Val() {
		n--
		sum -= amount
		sumsq -= amount * amount
	}

	profile := &detect.VelocityProfile{Count24h: count, Samples: n}
	if n >= velMinIdle {
		mean := sum / float64(n)
		variance := sumsq/float64(n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		profile.MeanAmount30d = mean
		profile.StdAmount30d = math.Sqrt(variance)
	}
	return profile, nil
}

// Observe implements detect.VelocitySource. Repeat observations with the
// same transaction id leave the profile unchanged.
func (v *RedisVelocity) Observe(ctx context.Context, payerVPA, transactionID string, amount float64) error {
	if payerVPA == "" || transactionID == "" {
		return nil
	}

	added, err := v.client.SAdd(ctx, velKey(payerVPA, "seen"), transactionID).Result()
	if err != nil {
		return fmt.Errorf("velocity observe: %w", err)
	}

	pipe := v.client.Pipeline()
	pipe.SAdd(ctx, velKey(payerVPA, "24h"), transactionID)
	pipe.Expire(ctx, velKey(payerVPA, "24h"), velTTL24h)
	pipe.Expire(ctx, velKey(payerVPA, "seen"), velTTL30d)
	if added > 0 {
		pipe.HIncrBy(ctx, velKey(payerVPA, "stats"), "n", 1)
		pipe.HIncrByFloat(ctx, velKey(payerVPA, "stats"), "sum", amount)
		pipe.HIncrByFloat(ctx, velKey(payerVPA, "stats"), "sumsq", amount*amount)
		pipe.Expire(ctx, velKey(payerVPA, "stats"), velTTL30d)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("velocity observe: %w", err)
	}
	return nil
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
