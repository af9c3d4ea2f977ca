package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "OpenWallet-Chain/internal/errors"
)

const (
	// 锁超时后自动释放，避免进程崩溃导致死锁。
	nonceLockTTL = 30 * time.Second
	// nonce 缓存一小时后过期，过期后从链上重新拉取。
	nonceKeyTTL = time.Hour

	lockRetryInterval = 50 * time.Millisecond
)

// ChainNonceFunc 返回某地址当前链上的 pending nonce。
type ChainNonceFunc func(ctx context.Context) (uint64, error)

// NonceCoordinator 为共享的中继钱包分配交易 nonce。
// 多个进程副本共用同一个中继钱包付 gas 时，nonce 必须跨进程协调，
// 否则并发部署会互相顶掉。
type NonceCoordinator interface {
	// Acquire 在持有分布式锁的前提下分配下一个 nonce。
	// release 必须在外层交易广播之后调用（无论成败）。
	Acquire(ctx context.Context, fetch ChainNonceFunc) (nonce uint64, release func(), err error)
	// Reconcile 用链上观察值校正缓存，只向上调整。
	// 链上值落后于缓存说明还有在途交易，此时不能回退。
	Reconcile(ctx context.Context, chainNonce uint64) error
	// Reset 在 nonce 类错误后强制从链上重置缓存。
	Reset(ctx context.Context, fetch ChainNonceFunc) error
}

// RedisNonceCoordinator 基于 Redis 的跨进程 nonce 协调器。
// SETNX 加锁、INCR 递增，key 按中继地址区分。
type RedisNonceCoordinator struct {
	client   *redis.Client
	nonceKey string
	lockKey  string
}

// NewRedisNonceCoordinator 为给定中继地址创建协调器。
func NewRedisNonceCoordinator(client *redis.Client, relayer common.Address) (*RedisNonceCoordinator, error) {
	if client == nil {
		return nil, errors.New("Redis client 不能为空")
	}
	addr := strings.ToLower(relayer.Hex())
	return &RedisNonceCoordinator{
		client:   client,
		nonceKey: "openwallet:relayer:nonce:" + addr,
		lockKey:  "openwallet:relayer:lock:" + addr,
	}, nil
}

func (c *RedisNonceCoordinator) acquireLock(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := c.client.SetNX(ctx, c.lockKey, "1", nonceLockTTL).Result()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "获取 nonce 锁失败")
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	return xerrors.New(CodeLockTimeout, "等待 nonce 锁超时")
}

func (c *RedisNonceCoordinator) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.client.Del(ctx, c.lockKey)
}

// Acquire 分配下一个 nonce。缓存缺失时先从链上取值，用 SETNX 写入以
// 免覆盖其他副本刚写入的值，随后 INCR 预留给下一个调用者。
func (c *RedisNonceCoordinator) Acquire(ctx context.Context, fetch ChainNonceFunc) (uint64, func(), error) {
	if err := c.acquireLock(ctx); err != nil {
		return 0, nil, err
	}

	nonce, err := c.nextNonce(ctx, fetch)
	if err != nil {
		c.releaseLock()
		return 0, nil, err
	}

	var once sync.Once
	release := func() { once.Do(c.releaseLock) }
	return nonce, release, nil
}

func (c *RedisNonceCoordinator) nextNonce(ctx context.Context, fetch ChainNonceFunc) (uint64, error) {
	cached, err := c.client.Get(ctx, c.nonceKey).Result()
	if errors.Is(err, redis.Nil) {
		chainNonce, fetchErr := fetch(ctx)
		if fetchErr != nil {
			return 0, fetchErr
		}
		if err := c.client.SetNX(ctx, c.nonceKey, strconv.FormatUint(chainNonce, 10), nonceKeyTTL).Err(); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "写入 nonce 缓存失败")
		}
		cached, err = c.client.Get(ctx, c.nonceKey).Result()
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "读取 nonce 缓存失败")
		}
	} else if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "读取 nonce 缓存失败")
	}

	current, err := strconv.ParseUint(cached, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(CodeNonceCollision, err, fmt.Sprintf("nonce 缓存值异常: %q", cached))
	}
	if err := c.client.Incr(ctx, c.nonceKey).Err(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "递增 nonce 失败")
	}
	return current, nil
}

// Reconcile 只向上校正缓存。链上值更小说明有在途交易尚未上链，
// 回退会造成 nonce 复用。
func (c *RedisNonceCoordinator) Reconcile(ctx context.Context, chainNonce uint64) error {
	cached, err := c.client.Get(ctx, c.nonceKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "读取 nonce 缓存失败")
	}
	current, err := strconv.ParseUint(cached, 10, 64)
	if err != nil || chainNonce <= current {
		return nil
	}
	if err := c.client.Set(ctx, c.nonceKey, strconv.FormatUint(chainNonce, 10), nonceKeyTTL).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "校正 nonce 缓存失败")
	}
	return nil
}

// Reset 在交易因 nonce 错误被节点拒绝后调用，无条件用链上值覆盖缓存。
func (c *RedisNonceCoordinator) Reset(ctx context.Context, fetch ChainNonceFunc) error {
	chainNonce, err := fetch(ctx)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.nonceKey, strconv.FormatUint(chainNonce, 10), nonceKeyTTL).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "重置 nonce 缓存失败")
	}
	return nil
}

// SafeNonceLocker 按账户串行化钱包自身 Safe nonce 的分配窗口。
// 中继 nonce 按中继地址协调，Safe nonce 按账户协调，两者互不相干。
// release 必须持有到本地 nonce 推进或本次尝试失败之后，期间同一账户
// 不会出现第二次分配。
type SafeNonceLocker interface {
	LockAccount(ctx context.Context, accountID string) (release func(), err error)
}

// RedisSafeNonceLocker 是跨进程的账户锁实现。多副本共同服务同一账户
// 时必须使用它，否则两副本会给同一钱包分配相同的 Safe nonce。
type RedisSafeNonceLocker struct {
	client *redis.Client
}

// NewRedisSafeNonceLocker 创建基于 Redis 的账户锁。
func NewRedisSafeNonceLocker(client *redis.Client) (*RedisSafeNonceLocker, error) {
	if client == nil {
		return nil, errors.New("Redis client 不能为空")
	}
	return &RedisSafeNonceLocker{client: client}, nil
}

// LockAccount 实现 SafeNonceLocker。SETNX 带 TTL，进程崩溃后锁自动
// 过期，不会永久卡死账户。
func (l *RedisSafeNonceLocker) LockAccount(ctx context.Context, accountID string) (func(), error) {
	lockKey := "openwallet:safe:lock:" + accountID
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := l.client.SetNX(ctx, lockKey, "1", nonceLockTTL).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeRPCUnavailable, err, "获取账户 nonce 锁失败")
		}
		if ok {
			var once sync.Once
			release := func() {
				once.Do(func() {
					delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					l.client.Del(delCtx, lockKey)
				})
			}
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	return nil, xerrors.New(CodeLockTimeout,
		fmt.Sprintf("等待账户 %s 的 nonce 锁超时", accountID))
}

// MemorySafeNonceLocker 是单进程实现，锁按账户惰性创建。
type MemorySafeNonceLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemorySafeNonceLocker 创建内存账户锁。
func NewMemorySafeNonceLocker() *MemorySafeNonceLocker {
	return &MemorySafeNonceLocker{locks: make(map[string]*sync.Mutex)}
}

// LockAccount 实现 SafeNonceLocker。
func (l *MemorySafeNonceLocker) LockAccount(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	lock := l.locks[accountID]
	if lock == nil {
		lock = &sync.Mutex{}
		l.locks[accountID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	var once sync.Once
	return func() { once.Do(lock.Unlock) }, nil
}

// MemoryNonceCoordinator 是单进程内存实现，用于测试与单副本部署。
type MemoryNonceCoordinator struct {
	mu     sync.Mutex
	cached bool
	nonce  uint64
}

// NewMemoryNonceCoordinator 创建内存协调器。
func NewMemoryNonceCoordinator() *MemoryNonceCoordinator {
	return &MemoryNonceCoordinator{}
}

// Acquire 实现 NonceCoordinator。锁在 release 前一直持有，保证同一
// 进程内分配严格串行。
func (c *MemoryNonceCoordinator) Acquire(ctx context.Context, fetch ChainNonceFunc) (uint64, func(), error) {
	c.mu.Lock()
	if !c.cached {
		chainNonce, err := fetch(ctx)
		if err != nil {
			c.mu.Unlock()
			return 0, nil, err
		}
		c.nonce = chainNonce
		c.cached = true
	}
	nonce := c.nonce
	c.nonce++

	var once sync.Once
	release := func() { once.Do(c.mu.Unlock) }
	return nonce, release, nil
}

// Reconcile 实现 NonceCoordinator，同样只向上调整。
func (c *MemoryNonceCoordinator) Reconcile(ctx context.Context, chainNonce uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached && chainNonce > c.nonce {
		c.nonce = chainNonce
	}
	return nil
}

// Reset 实现 NonceCoordinator。
func (c *MemoryNonceCoordinator) Reset(ctx context.Context, fetch ChainNonceFunc) error {
	chainNonce, err := fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = chainNonce
	c.cached = true
	return nil
}
