package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/conc"
	"github.com/lk2023060901/boardlink-go/pkg/util/retry"
)

const (
	defaultReleaseTimeout  = 5 * time.Second
	defaultReleaseAttempts = 1
	defaultReleaseWorkers  = 16
)

// Store 负责会话的签发、校验、活跃度跟踪与过期清理。
//
// 特性：
//   - 所有对注册表的读写都串行化在同一把互斥锁上，锁内不执行任何 I/O；
//   - externalID <= 0 的会话只签发 key，不进入注册表，因此既不能通过 Validate，也不会被清理；
//   - 被 Revoke 或清理移除的会话，会在锁外异步通知 Releaser 释放外部会话 ID。
type Store struct {
	log.Binder

	mu       sync.Mutex
	sessions map[string]*session

	releaser        Releaser
	releaseTimeout  time.Duration
	releaseAttempts uint
	pool            *conc.Pool[struct{}]
	pending         sync.WaitGroup

	now func() time.Time
}

// Option 用于配置 Store。
type Option func(*Store)

// WithReleaser 设置会话移除后需要通知的控制进程。
func WithReleaser(r Releaser) Option {
	return func(s *Store) {
		if r != nil {
			s.releaser = r
		}
	}
}

// WithClock 替换 Store 使用的时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReleaseTimeout 设置单次释放通知的超时时间。
func WithReleaseTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.releaseTimeout = d
		}
	}
}

// WithReleaseAttempts 设置单个外部会话 ID 释放通知的最大尝试次数。
func WithReleaseAttempts(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.releaseAttempts = n
		}
	}
}

// NewStore 创建一个空的 Store。
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:        make(map[string]*session),
		releaser:        nopReleaser{},
		releaseTimeout:  defaultReleaseTimeout,
		releaseAttempts: defaultReleaseAttempts,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = conc.NewPool[struct{}](defaultReleaseWorkers, conc.WithConcealPanic(true))
	s.SetLogger(log.With(log.FieldComponent("session-store")))
	return s
}

// IssueSession 签发一个新的会话 key。
//
// externalID > 0 时登记为被跟踪的会话；否则只返回 key，不做任何登记。
func (s *Store) IssueSession(externalID int64, access AccessLevel) string {
	key := uuid.NewString()
	if externalID <= 0 {
		return key
	}

	s.mu.Lock()
	s.sessions[key] = &session{
		key:          key,
		externalID:   externalID,
		access:       access,
		lastActivity: s.now(),
	}
	count := len(s.sessions)
	s.mu.Unlock()

	metrics.SessionActive.Set(float64(count))
	s.Logger().Info("session issued",
		log.FieldSessionKey(key),
		zap.Int64("externalID", externalID),
		zap.Stringer("access", access))
	return key
}

// Validate 判断 key 是否对应一个访问级别满足请求的被跟踪会话，成功时刷新其活跃时间。
func (s *Store) Validate(key string, requireReadWrite bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok && sess.access.Allows(requireReadWrite) {
		sess.lastActivity = s.now()
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		metrics.SessionValidations.WithLabelValues(metrics.OutcomeSuccess).Inc()
	} else {
		metrics.SessionValidations.WithLabelValues(metrics.OutcomeDenied).Inc()
	}
	return ok
}

// Lookup 返回 key 对应的外部会话 ID。
func (s *Store) Lookup(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return 0, false
	}
	return sess.externalID, true
}

// Revoke 显式移除一个会话（例如注销），返回其外部会话 ID；会话不存在时返回 0。
func (s *Store) Revoke(key string) int64 {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return 0
	}
	metrics.SessionActive.Set(float64(count))
	metrics.SessionRemoved.WithLabelValues(metrics.RemovedByRevoke).Inc()
	s.Logger().Info("session revoked",
		log.FieldSessionKey(key),
		zap.Int64("externalID", sess.externalID))
	s.release(sess.externalID)
	return sess.externalID
}

// MarkStreamOpen 记录一个引用该会话的流式连接已建立。
func (s *Store) MarkStreamOpen(key string) bool {
	return s.update(key, func(sess *session) { sess.openStreams++ })
}

// MarkStreamClosed 记录一个引用该会话的流式连接已关闭。
func (s *Store) MarkStreamClosed(key string) bool {
	return s.update(key, func(sess *session) {
		if sess.openStreams > 0 {
			sess.openStreams--
		}
	})
}

// MarkLongRunningStart 记录一个引用该会话的长耗时请求开始执行。
func (s *Store) MarkLongRunningStart(key string) bool {
	return s.update(key, func(sess *session) { sess.longRunning++ })
}

// MarkLongRunningEnd 记录一个引用该会话的长耗时请求执行结束。
func (s *Store) MarkLongRunningEnd(key string) bool {
	return s.update(key, func(sess *session) {
		if sess.longRunning > 0 {
			sess.longRunning--
		}
	})
}

// update 在锁内修改会话计数器并刷新活跃时间，空闲计时从最后一次活动结束时算起。
func (s *Store) update(key string, fn func(sess *session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return false
	}
	fn(sess)
	sess.lastActivity = s.now()
	return true
}

// Count 返回当前被跟踪的会话数量。
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Range 遍历当前所有被跟踪的会话快照。
// 遍历前在锁内复制快照，回调在锁外执行；fn 返回 false 时中断遍历。
func (s *Store) Range(fn func(info Info) bool) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	snapshot := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess.info())
	}
	s.mu.Unlock()

	for _, info := range snapshot {
		if !fn(info) {
			return
		}
	}
}

// release 异步通知控制进程释放外部会话 ID，失败只记录日志。
func (s *Store) release(externalID int64) {
	s.pending.Add(1)
	future := s.pool.Submit(func() (struct{}, error) {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.releaseTimeout)
		defer cancel()

		err := retry.Do(ctx, func() error {
			return s.releaser.ReleaseSession(ctx, externalID)
		}, retry.Attempts(s.releaseAttempts), retry.Sleep(100*time.Millisecond))
		if err != nil {
			metrics.SessionReleaseFailures.Inc()
			s.Logger().Warn("failed to release external session",
				zap.Int64("externalID", externalID),
				zap.Error(err))
		}
		return struct{}{}, err
	})
	if future.Done() && errors.Is(future.Err(), conc.ErrSubmitFailed) {
		// 任务未能提交到协程池（例如 Store 已关闭），不会再执行
		s.pending.Done()
		s.Logger().Warn("release notification dropped",
			zap.Int64("externalID", externalID),
			zap.Error(future.Err()))
	}
}

// Flush 等待所有已提交的释放通知执行完毕。
func (s *Store) Flush() {
	s.pending.Wait()
}

// Close 等待所有释放通知执行完毕并关闭内部协程池。
func (s *Store) Close() {
	s.Flush()
	s.pool.Release()
}
