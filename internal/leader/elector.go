package leader

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Elector decides which process in the fleet owns queue processing, using a
// renewable Redis lock. The state machine is {Follower, Leader}: acquire
// flips to Leader and fires OnLeader, a failed renewal (lock expired or taken
// by another holder) flips back and fires OnFollower exactly once per loss.
//
// There is deliberately no fencing token. Two processes can briefly both
// believe they lead during a TTL race; the queue's atomic claim script keeps
// that from ever running a job twice.
type Elector struct {
	client *redis.Client
	log    *logrus.Entry

	key        string
	holderID   string
	ttl        time.Duration
	renewEvery time.Duration
	retryEvery time.Duration

	onLeader   func()
	onFollower func()

	leading atomic.Bool
}

// Options configures an elector.
type Options struct {
	LockKey    string
	TTL        time.Duration
	RenewEvery time.Duration // defaults to TTL/3
	RetryEvery time.Duration
	OnLeader   func() // must be idempotent
	OnFollower func() // must be idempotent
}

// New builds an elector with a unique holder identity.
func New(client *redis.Client, log *logrus.Logger, opts Options) *Elector {
	if opts.RenewEvery == 0 {
		opts.RenewEvery = opts.TTL / 3
	}
	if opts.RetryEvery == 0 {
		opts.RetryEvery = 10 * time.Second
	}
	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("%s-%s", hostname, uuid.New().String())
	return &Elector{
		client:     client,
		log:        log.WithField("component", "leader").WithField("holder", holder),
		key:        opts.LockKey,
		holderID:   holder,
		ttl:        opts.TTL,
		renewEvery: opts.RenewEvery,
		retryEvery: opts.RetryEvery,
		onLeader:   opts.OnLeader,
		onFollower: opts.OnFollower,
	}
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run drives acquire/renew until the context is cancelled. Transient lock
// backend errors are logged and retried forever; they never crash the
// process. On shutdown the lock is released if held.
func (e *Elector) Run(ctx context.Context) {
	for {
		if e.leading.Load() {
			e.renewLoop(ctx)
		} else {
			e.acquireLoop(ctx)
		}
		if ctx.Err() != nil {
			e.release()
			return
		}
	}
}

func (e *Elector) acquireLoop(ctx context.Context) {
	ticker := time.NewTicker(e.retryEvery)
	defer ticker.Stop()
	for {
		ok, err := e.client.SetNX(ctx, e.key, e.holderID, e.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.WithError(err).Warn("leader lock acquire failed, retrying")
		} else if ok {
			e.promote()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Elector) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(e.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := e.renew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient backend error: keep leading, the next tick retries
			// well inside the TTL window.
			e.log.WithError(err).Warn("leader lock renew failed, retrying")
			continue
		}
		if !held {
			e.demote()
			return
		}
	}
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, e.client, []string{e.key}, e.holderID, e.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (e *Elector) promote() {
	if e.leading.Swap(true) {
		return
	}
	e.log.Info("acquired leader lock")
	if e.onLeader != nil {
		e.onLeader()
	}
}

func (e *Elector) demote() {
	if !e.leading.Swap(false) {
		return
	}
	e.log.Warn("lost leader lock")
	if e.onFollower != nil {
		e.onFollower()
	}
}

// release drops the lock on shutdown so a successor does not wait out the TTL.
func (e *Elector) release() {
	if !e.leading.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = releaseScript.Run(ctx, e.client, []string{e.key}, e.holderID).Result()
	e.demote()
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
