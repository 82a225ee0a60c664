package connector

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/internal/model"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/conc"
	"github.com/lk2023060901/boardlink-go/pkg/util/funcutil"
)

const strategyStreaming = "streaming"

// errStreamEnded 标记一次流式连接结束（包括远端正常关闭），驱动外层以固定退避重连。
var errStreamEnded = errors.New("stream ended")

// inbound 为读协程收到的一条完整消息或读错误。
type inbound struct {
	data []byte
	err  error
}

// runStreaming 执行 Streaming 策略，直到 ctx 结束。
//
// 每次外层迭代对应一次物理连接：首次直接使用握手得到的会话 key，之后每次都先重新握手。
func (c *Connector) runStreaming(ctx context.Context) {
	logger := c.Logger().With(zap.String("strategy", strategyStreaming))
	first := true

	op := func() error {
		if !first {
			if err := c.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
		}
		first = false

		c.setState(StateStreaming)
		stage, err := c.streamOnce(ctx)
		c.mirror.SetConnectivity(model.Disconnected)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		metrics.ConnectorDisconnects.WithLabelValues(strategyStreaming, string(stage)).Inc()
		if err == nil {
			logger.Info("stream closed by remote", zap.String("stage", string(stage)))
			return errStreamEnded
		}
		return errors.Wrapf(err, "stream %s", stage)
	}
	notify := func(err error, wait time.Duration) {
		logger.RatedWarn(1, "stream disconnected, retrying",
			zap.Duration("backoff", wait), zap.Error(err))
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.reconnectDelay), ctx)
	_ = backoff.RetryNotify(op, bo, notify)
	logger.Info("streaming stopped")
}

// streamOnce 建立一次流式连接，读取快照后进入确认/补丁交换循环。
//
// 远端关闭连接时返回 nil 错误；返回的 Stage 标记连接结束的位置。
func (c *Connector) streamOnce(ctx context.Context) (network.Stage, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return network.StageDial, err
	}

	done := make(chan struct{})
	msgs := make(chan inbound)
	reader := conc.Go(func() (struct{}, error) {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case msgs <- inbound{data: data, err: err}:
			case <-done:
				return struct{}{}, nil
			}
			if err != nil {
				return struct{}{}, nil
			}
		}
	})
	// ctx 结束时关闭连接以中断阻塞中的读写
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		close(done)
		_ = conn.Close()
		_, _ = reader.Await()
	}()

	// 首条消息为全量快照，快照到达前同样以心跳探测链路。
	data, stage, err := c.nextMessage(ctx, conn, msgs, network.StageSnapshot)
	if data == nil {
		return stage, err
	}
	if err := c.mirror.ReplaceJSON(data); err != nil {
		return network.StageDecode, errors.Mark(err, network.ErrDecodeFailed)
	}
	metrics.ConnectorSnapshots.Inc()

	for {
		if err := c.write(conn, network.TokenAck); err != nil {
			return network.StageSend, err
		}
		if err := funcutil.SleepContext(ctx, c.cfg.UpdateDelay); err != nil {
			return network.StageRecv, err
		}

		data, stage, err := c.nextMessage(ctx, conn, msgs, network.StageRecv)
		if data == nil {
			return stage, err
		}
		if err := c.mirror.MergeJSON(data); err != nil {
			return network.StageDecode, errors.Mark(err, network.ErrDecodeFailed)
		}
		metrics.ConnectorPatches.Inc()
	}
}

// nextMessage 等待下一条非心跳应答的消息。
//
//   - 收到 PONG：丢弃并继续等待；
//   - 超过 PingInterval 未收到消息：发送一次 PING，经过节流时间后继续等待，连接保持不变；
//   - 远端关闭：返回 (nil, stage, nil)；
//   - 其他读错误：返回 (nil, stage, err)。
func (c *Connector) nextMessage(ctx context.Context, conn *websocket.Conn, msgs <-chan inbound, stage network.Stage) ([]byte, network.Stage, error) {
	timer := time.NewTimer(c.cfg.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, stage, ctx.Err()
		case in := <-msgs:
			if in.err != nil {
				var closeErr *websocket.CloseError
				if errors.As(in.err, &closeErr) {
					return nil, stage, nil
				}
				return nil, stage, errors.Mark(in.err, network.ErrRecvFailed)
			}
			if string(in.data) == network.TokenPong {
				continue
			}
			return in.data, stage, nil
		case <-timer.C:
			if err := c.write(conn, network.TokenPing); err != nil {
				return nil, network.StageSend, err
			}
			metrics.ConnectorHeartbeats.Inc()
			if err := funcutil.SleepContext(ctx, c.cfg.UpdateDelay); err != nil {
				return nil, stage, err
			}
			timer.Reset(c.cfg.PingInterval)
		}
	}
}

func (c *Connector) write(conn *websocket.Conn, token string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout)); err != nil {
		return errors.Mark(err, network.ErrSendFailed)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		return errors.Mark(err, network.ErrSendFailed)
	}
	return nil
}

// dial 以当前会话 key 打开流式通道，拨号受 RequestTimeout 约束。
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	key := c.sessionKey.Load()
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += network.PathStream
	u.RawQuery = url.Values{network.ParamSessionKey: []string{key}}.Encode()

	header := http.Header{}
	header.Set(network.HeaderSessionKey, key)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(errors.Mark(err, network.ErrDialFailed), "status %d", resp.StatusCode)
		}
		return nil, errors.Mark(err, network.ErrDialFailed)
	}
	return conn, nil
}
