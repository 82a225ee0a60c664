package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/funcutil"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

const strategyPolling = "polling"

// runPolling 执行 Polling 策略：按 SessionKeepAliveInterval 发送保活请求，直到 ctx 结束。
//
// 失败只记录日志，并在下一次尝试前额外等待固定退避；
// 远端返回 401/403 说明会话已被丢弃，下一次尝试前先重新握手。
func (c *Connector) runPolling(ctx context.Context) {
	logger := c.Logger().With(zap.String("strategy", strategyPolling))
	c.setState(StatePolling)

	bo := backoff.NewConstantBackOff(c.cfg.reconnectDelay)
	needReconnect := false
	for {
		if err := funcutil.SleepContext(ctx, c.cfg.SessionKeepAliveInterval); err != nil {
			break
		}

		var err error
		if needReconnect {
			if err = c.reconnect(ctx); err == nil {
				needReconnect = false
				c.setState(StatePolling)
			}
		}
		if err == nil {
			err = c.keepAlive(ctx)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		if errors.Is(err, merr.ErrInvalidCredentials) {
			needReconnect = true
		}
		metrics.ConnectorDisconnects.WithLabelValues(strategyPolling, string(network.StageRequest)).Inc()
		wait := bo.NextBackOff()
		logger.RatedWarn(1, "keep-alive failed",
			zap.Bool("reconnect", needReconnect),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := funcutil.SleepContext(ctx, wait); err != nil {
			break
		}
	}
	logger.Info("polling stopped")
}

// keepAlive 发送一次无副作用的保活请求，受 RequestTimeout 约束。
func (c *Connector) keepAlive(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, network.PathNoop, "", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return c.classifyTransportErr(ctx, err, "keep-alive")
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return merr.ErrorFromStatus(resp.StatusCode, readReason(resp))
	}
	return nil
}

// KeepAlive 立即发送一次保活请求。
func (c *Connector) KeepAlive(ctx context.Context) error {
	ctx, cancel := funcutil.MergeContext(ctx, c.ctx)
	defer cancel()
	start := time.Now()
	err := c.keepAlive(ctx)
	metrics.ConnectorRequestAttempts.WithLabelValues(opKeepAlive, outcomeOf(err)).Inc()
	c.observe(opKeepAlive, start)
	return err
}
