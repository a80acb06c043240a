package snowflake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LeaseAny asks Acquire to lease a free node instead of pinning one.
const LeaseAny = -1

const (
	nodeCursorKey = "snowflake:cursor"
	nodeKeyPrefix = "snowflake:node:"
)

var ErrNoFreeNode = errors.New("every snowflake node is leased")

// Only the owner may extend or release a node key.
const (
	renewScript   = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`
)

// Locker is the subset of *redis.Client a lease needs.
type Locker interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lease holds a node number for as long as the process runs. A pinned lease never
// touches Redis.
type Lease struct {
	*Node

	client Locker
	key    string
	owner  string
	ttl    time.Duration
	log    *zap.SugaredLogger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func nodeKey(id int64) string { return fmt.Sprintf("%s%d", nodeKeyPrefix, id) }

// Acquire returns a generator for node, or with LeaseAny claims the next free node
// in Redis and keeps the claim alive until Close.
func Acquire(ctx context.Context, client Locker, node int64, owner string, ttl time.Duration,
	log *zap.SugaredLogger) (*Lease, error) {
	if node != LeaseAny {
		n, err := NewNode(node)
		if err != nil {
			return nil, err
		}
		return &Lease{Node: n}, nil
	}

	start, err := client.Incr(ctx, nodeCursorKey).Result()
	if err != nil {
		return nil, fmt.Errorf("snowflake cursor: %w", err)
	}
	for i := int64(0); i <= nodeMax; i++ {
		id := (start + i) % (nodeMax + 1)
		ok, err := client.SetNX(ctx, nodeKey(id), owner, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lease node %d: %w", id, err)
		}
		if !ok {
			continue
		}

		n, err := NewNode(id)
		if err != nil {
			return nil, err
		}
		l := &Lease{
			Node:   n,
			client: client,
			key:    nodeKey(id),
			owner:  owner,
			ttl:    ttl,
			log:    log,
			stop:   make(chan struct{}),
			done:   make(chan struct{}),
		}
		go l.keepAlive()
		log.Infow("snowflake node leased", "node", id, "owner", owner, "ttl", ttl)
		return l, nil
	}
	return nil, ErrNoFreeNode
}

// ID returns the node number ids are stamped with.
func (l *Lease) ID() int64 { return l.node }

func (l *Lease) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			kept, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				l.log.Warnw("snowflake lease renewal failed", "key", l.key, "error", err)
			case kept == 0:
				l.log.Errorw("snowflake lease lost, ids may collide until restart", "key", l.key, "owner", l.owner)
			}
		}
	}
}

// Close stops renewing and gives the node back. Pinned leases have nothing to release.
func (l *Lease) Close(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err()
	})
	return err
}
