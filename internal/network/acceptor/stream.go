package acceptor

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/internal/json"
	"github.com/lk2023060901/boardlink-go/internal/model"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/conc"
	"github.com/lk2023060901/boardlink-go/pkg/util/funcutil"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

type inbound struct {
	data []byte
	err  error
}

// handleStream 将请求升级为流式连接：先发送完整快照，之后每收到一次确认才发送下一条（预合并的）补丁。
// 连接存续期间会话被标记为 busy，不会因空闲被清理。
func (a *Acceptor) handleStream(w http.ResponseWriter, r *http.Request) {
	key := sessionKeyOf(r)
	switch {
	case key == "" || !a.store.Validate(key, false):
		a.writeError(w, "stream", merr.WrapErrSessionNotFound(key))
		return
	case a.source == nil:
		a.writeError(w, "stream", merr.WrapErrServiceUnavailable("no model source"))
		return
	case !a.acquireStream():
		a.writeError(w, "stream", merr.WrapErrServiceUnavailable("acceptor closed"))
		return
	}
	defer a.streams.Done()

	if !a.store.MarkStreamOpen(key) {
		a.writeError(w, "stream", merr.WrapErrSessionNotFound(key))
		return
	}
	defer a.store.MarkStreamClosed(key)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出错误应答
		return
	}
	a.streamOpened(conn)
	defer func() {
		a.streamClosed(conn)
		_ = conn.Close()
	}()

	ctx, cancel := funcutil.MergeContext(r.Context(), a.ctx)
	defer cancel()
	logger := a.Logger().With(log.FieldSessionKey(key))
	logger.Info("stream opened")

	sub := a.source.Subscribe()
	defer sub.Close()
	if err := a.pump(ctx, conn, sub); err != nil && ctx.Err() == nil {
		logger.RatedWarn(1, "stream aborted", zap.Error(err))
		return
	}
	logger.Info("stream closed")
}

// pump 执行服务端的快照/补丁交换循环，对端关闭或 ctx 结束时返回 nil。
func (a *Acceptor) pump(ctx context.Context, conn *websocket.Conn, sub *model.Subscription) error {
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
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		close(done)
		_ = conn.Close()
		_, _ = reader.Await()
	}()

	if err := a.send(conn, sub.Snapshot()); err != nil {
		return err
	}
	acked := false
	for {
		// 只有在客户端确认上一条消息之后才发送下一条补丁
		var ready <-chan struct{}
		if acked {
			ready = sub.Ready()
		}
		select {
		case <-ctx.Done():
			return nil
		case in := <-msgs:
			if in.err != nil {
				var closeErr *websocket.CloseError
				if errors.As(in.err, &closeErr) {
					return nil
				}
				return errors.Mark(in.err, network.ErrRecvFailed)
			}
			switch string(in.data) {
			case network.TokenAck:
				acked = true
			case network.TokenPing:
				if err := a.write(conn, []byte(network.TokenPong)); err != nil {
					return err
				}
			default:
				a.Logger().RatedWarn(1, "unexpected stream message", zap.Int("size", len(in.data)))
			}
		case <-ready:
			patch, ok := sub.Take()
			if !ok {
				continue
			}
			if err := a.send(conn, patch); err != nil {
				return err
			}
			metrics.AcceptorPatchesSent.Inc()
			acked = false
		}
	}
}

func (a *Acceptor) send(conn *websocket.Conn, v map[string]any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode model")
	}
	return a.write(conn, data)
}

func (a *Acceptor) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		return errors.Mark(err, network.ErrSendFailed)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Mark(err, network.ErrSendFailed)
	}
	return nil
}
