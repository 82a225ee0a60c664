package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
)

// SweepExpired 移除所有计数器均为零且空闲时间超过 idleTimeout 的会话，返回被移除会话的外部 ID。
//
// 每个被移除的会话都会异步通知 Releaser；通知失败只记录日志，不影响本次清理。
func (s *Store) SweepExpired(idleTimeout time.Duration) []int64 {
	now := s.now()

	s.mu.Lock()
	var removed []*session
	for key, sess := range s.sessions {
		if sess.busy() || now.Sub(sess.lastActivity) <= idleTimeout {
			continue
		}
		delete(s.sessions, key)
		removed = append(removed, sess)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}

	metrics.SessionActive.Set(float64(count))
	metrics.SessionRemoved.WithLabelValues(metrics.RemovedBySweep).Add(float64(len(removed)))

	ids := make([]int64, 0, len(removed))
	for _, sess := range removed {
		s.Logger().Info("session expired",
			log.FieldSessionKey(sess.key),
			zap.Int64("externalID", sess.externalID),
			zap.Duration("idle", now.Sub(sess.lastActivity)))
		s.release(sess.externalID)
		ids = append(ids, sess.externalID)
	}
	return ids
}

// Run 每隔 interval 执行一次 SweepExpired，直到 ctx 结束。
func (s *Store) Run(ctx context.Context, interval, idleTimeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger().Info("session sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("idleTimeout", idleTimeout))
	for {
		select {
		case <-ctx.Done():
			s.Logger().Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepExpired(idleTimeout)
		}
	}
}
