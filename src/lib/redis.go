package lib

import (
	"os"

	"github.com/redis/go-redis/v9"
)

var rdb *redis.Client

func GetRedisClient() *redis.Client {
	if rdb != nil {
		return rdb
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})
	return rdb
}
