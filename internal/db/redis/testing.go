package redis

import (
	"time"

	"github.com/redis/rueidis"
)

// NewStoreForTest wraps the provided rueidis client (test-only). Readiness
// pings are spaced 1ms apart.
func NewStoreForTest(c rueidis.Client) *Store {
	return newStore(c, time.Millisecond)
}
