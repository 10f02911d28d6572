package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Open builds the queue for backend. The returned close func releases any connection it made.
func Open(backend string, rdb *redis.Client, natsURL, clientName string) (Queue, func(), error) {
	switch backend {
	case BackendMemory, "":
		return NewInMemory(256), func() {}, nil
	case BackendRedis:
		if rdb == nil {
			return nil, nil, fmt.Errorf("redis queue needs a redis client")
		}
		return NewRedisQueue(rdb, ""), func() {}, nil
	case BackendNATS:
		conn, err := ConnectNATS(natsURL, clientName)
		if err != nil {
			return nil, nil, err
		}
		return NewNATSQueue(conn, "", ""), func() { _ = conn.Drain() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported queue backend %q", backend)
}
