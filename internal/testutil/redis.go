package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCandidates lists the addresses probed when REDIS_ADDR is unset:
// the compose service name, a local daemon, and the compose test
// profile port.
var redisCandidates = []string{"redis:6379", "localhost:6379", "localhost:56379"}

// SetupTestRedis connects to a Redis server for testing and flushes the
// selected logical database. Databases 1 through 15 are reserved via
// lock keys in database 0, where a FlushDB on the reserved database
// cannot erase them, so packages testing in parallel do not clobber
// each other. TEST_REDIS_DB overrides the reservation. Callers own the
// returned client and close it themselves.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	addr, err := findTestRedis(t)
	if err != nil {
		unavailable(t, requireRedis(), "test redis", err)
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   reserveRedisDB(t, addr),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		closeQuietly(t, "redis client", client)
		t.Fatalf("flush test redis database: %v", err)
	}
	return client
}

func findTestRedis(t TestingTB) (string, error) {
	t.Helper()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr, pingRedis(t, addr)
	}
	for _, addr := range redisCandidates {
		if err := pingRedis(t, addr); err == nil {
			return addr, nil
		}
	}
	return "", errors.New("no candidate address answered")
}

func pingRedis(t TestingTB, addr string) error {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer closeQuietly(t, "redis probe", client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// reserveRedisDB takes the first free lock key and returns its database
// index. Stale locks from crashed runs expire after 30 minutes. When
// all 15 databases are taken the tests share database 1, which is safe
// as long as they do not run concurrently.
func reserveRedisDB(t TestingTB, addr string) int {
	t.Helper()

	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 15 {
			return n
		}
		t.Logf("ignoring invalid TEST_REDIS_DB=%q", v)
	}

	meta := redis.NewClient(&redis.Options{Addr: addr})
	defer closeQuietly(t, "redis lock connection", meta)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())
	for db := 1; db <= 15; db++ {
		key := fmt.Sprintf("grimoirelab:testutil:db_lock:%d", db)
		ok, err := meta.SetNX(ctx, key, owner, 30*time.Minute).Result()
		if err != nil {
			t.Logf("reserve redis database %d: %v", db, err)
			continue
		}
		if !ok {
			continue
		}
		t.Cleanup(func() { releaseRedisDB(t, addr, key) })
		return db
	}

	t.Logf("no free redis database at %s, sharing database 1", addr)
	return 1
}

func releaseRedisDB(t TestingTB, addr, key string) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer closeQuietly(t, "redis lock connection", client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Del(ctx, key).Err(); err != nil {
		t.Logf("release redis database lock %s: %v", key, err)
	}
}

func requireRedis() bool {
	return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA")
}
