package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"
	"github.com/rs/xid"

	"github.com/kailas-cloud/amcat/internal/db"
)

const (
	lockPrefix     = "amcat:lock:"
	defaultLockTTL = 30 * time.Second
)

// unlockScript deletes the lock only while it still carries our token.
var unlockScript = rueidis.NewLuaScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock takes a SET NX PX lease. An expired lease may be taken by another
// holder; unlock then leaves the new holder's lease alone.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (db.Unlock, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	key := lockPrefix + name
	token := xid.New().String()
	cmd := s.b().Arbitrary("SET").Keys(key).
		Args(token, "NX", "PX", strconv.FormatInt(ttl.Milliseconds(), 10)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, db.ErrLocked
		}
		return nil, &db.Error{Op: db.OpLock, Err: err}
	}
	return func(ctx context.Context) error {
		if err := unlockScript.Exec(ctx, s.client, []string{key}, []string{token}).Error(); err != nil {
			return &db.Error{Op: db.OpUnlock, Err: err}
		}
		return nil
	}, nil
}
