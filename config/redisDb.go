package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB returns nil until ConnectRedisWithRetry succeeds. Every helper
// below treats a nil client as "cache disabled".
func GetRedisDB() *redis.Client {
	return rdb
}

// SetRedisClient installs an already-connected client (tests, tools).
func SetRedisClient(c *redis.Client) {
	rdb = c
	if c == nil {
		locker = nil
		return
	}
	locker = redislock.New(c)
}

func GetRedisObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	val, err := rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	objInByte, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, objInByte, exp).Err()
}

func RemoveRedisKey(ctx context.Context, keys ...string) error {
	if rdb == nil {
		return nil
	}
	_, err := rdb.Del(ctx, keys...).Result()
	return err
}

// ObtainLock takes a short-lived distributed lock. With no Redis configured it
// returns (nil, true, nil): the caller proceeds unlocked. ok is false when
// another holder has the key.
func ObtainLock(ctx context.Context, key string, ttl time.Duration) (lock *redislock.Lock, ok bool, err error) {
	if locker == nil {
		return nil, true, nil
	}
	lock, err = locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// ReleaseLock is nil-safe.
func ReleaseLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		log.Printf("failed to release redis lock %s: %v", lock.Key(), err)
	}
}

// ConnectRedisWithRetry connects and sets the global Redis client + lock
// client. Call it from main() after the HTTP server is listening.
func ConnectRedisWithRetry(ctx context.Context) {
	redisAddr := os.Getenv("REDIS_ADDRESS")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
		log.Printf("REDIS_ADDRESS not set; defaulting to %s", redisAddr)
	}

	var attempt int
	for {
		attempt++
		c := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
			PoolSize: 100,
		})
		err := c.Ping(ctx).Err()
		if err == nil {
			SetRedisClient(c)
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, redisAddr)
			return
		}
		_ = c.Close()
		if ctx.Err() != nil {
			return
		}
		sleep := ConnectBackoff(attempt)
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, redisAddr, err, sleep)
		time.Sleep(sleep)
	}
}
