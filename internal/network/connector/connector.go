package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
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

// APIVersion 为本端实现的协议版本，主版本号不同的远端会被拒绝。
const APIVersion = network.APIVersion

// errClosing 为 Connector 生命周期上下文的取消原因。
var errClosing = errors.New("connector closing")

// maxReasonBytes 为读取错误响应体作为原因描述时的上限。
const maxReasonBytes = 512

// Connector 维护与远端对象模型源之间的一条逻辑连接。
//
// 特性：
//   - 握手成功后立即启动且只启动一个后台同步任务（Streaming 或 Polling）；
//   - 后台任务从不向调用方返回错误，只更新连通状态并以固定退避自愈；
//   - 请求操作可与后台任务并发调用，每次调用独立重试；
//   - Close 幂等：取消生命周期、等待后台任务退出，再尽力通知远端断开会话。
type Connector struct {
	log.Binder

	cfg     Config
	baseURL *url.URL
	mirror  *model.Mirror

	sessionKey atomic.String
	state      atomic.Int32
	remote     atomic.Pointer[semver.Version]

	ctx    context.Context
	cancel context.CancelCauseFunc
	task   *conc.Future[struct{}]

	closeOnce sync.Once
}

// Connect 与 baseAddress 完成握手并返回 Connector。
//
// ctx 只约束握手本身；Connector 的生命周期由 Close 结束。
// 握手返回 401/403 时失败为 merr.ErrInvalidCredentials，其他非成功状态为 merr.ErrProtocol。
func Connect(ctx context.Context, baseAddress string, opts ...Option) (*Connector, error) {
	base, err := parseBaseAddress(baseAddress)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.fillDefaults()

	c := &Connector{
		cfg:     cfg,
		baseURL: base,
		mirror:  model.NewMirror(cfg.ObserveMessages),
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.With(log.FieldComponent("connector"), log.FieldEndpoint(base.Host))
	} else {
		logger = logger.With()
	}
	// 断线与保活失败告警按 "connector" 分组限流：每秒 1 条，突发 10 条。
	c.SetLogger(logger.WithRateGroup("connector", 1, 10))
	c.ctx, c.cancel = context.WithCancelCause(context.Background())

	ctx, span := log.NewIntentContext(ctx, "connector", "connect")
	defer span.End()

	key, err := c.handshake(ctx)
	if err != nil {
		c.cancel(errClosing)
		return nil, err
	}
	c.sessionKey.Store(key)
	log.Ctx(ctx).Info("connected",
		log.FieldEndpoint(base.Host),
		log.FieldSessionKey(key),
		zap.Bool("observeModel", cfg.ObserveModel))

	c.task = conc.Go(func() (struct{}, error) {
		if c.cfg.ObserveModel {
			c.runStreaming(c.ctx)
		} else {
			c.runPolling(c.ctx)
		}
		return struct{}{}, nil
	})
	return c, nil
}

func parseBaseAddress(addr string) (*url.URL, error) {
	if addr == "" {
		return nil, merr.WrapErrParameterMissing("baseAddress")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("invalid base address %q: %v", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, merr.WrapErrParameterInvalid("http|https", u.Scheme, "base address scheme")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Mirror 返回本地对象模型镜像。
func (c *Connector) Mirror() *model.Mirror {
	return c.mirror
}

// SessionKey 返回当前会话 key，重连期间为空。
func (c *Connector) SessionKey() string {
	return c.sessionKey.Load()
}

// RemoteVersion 返回远端在握手时声明的协议版本。
func (c *Connector) RemoteVersion() (semver.Version, bool) {
	v := c.remote.Load()
	if v == nil {
		return semver.Version{}, false
	}
	return *v, true
}

// Reconnect 清空当前会话 key 并重新握手。
//
// 握手受 RequestTimeout、ctx 以及 Connector 生命周期共同约束。
// 401/403 时返回 merr.ErrInvalidCredentials，不在此处重试。
func (c *Connector) Reconnect(ctx context.Context) error {
	ctx, cancel := funcutil.MergeContext(ctx, c.ctx)
	defer cancel()
	return c.reconnect(ctx)
}

func (c *Connector) reconnect(ctx context.Context) error {
	c.setState(StateReconnecting)
	c.sessionKey.Store("")

	key, err := c.handshake(ctx)
	if err != nil {
		metrics.ConnectorReconnects.WithLabelValues(outcomeOf(err)).Inc()
		return err
	}
	metrics.ConnectorReconnects.WithLabelValues(metrics.OutcomeSuccess).Inc()
	c.sessionKey.Store(key)
	c.Logger().Info("reconnected", log.FieldSessionKey(key))
	return nil
}

// handshake 发送一次握手请求并返回会话 key。
func (c *Connector) handshake(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	query := url.Values{}
	if c.cfg.Password != "" {
		query.Set(network.ParamPassword, c.cfg.Password)
	}
	query.Set(network.ParamTime, time.Now().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.endpoint(network.PathConnect, "", query), nil)
	if err != nil {
		return "", errors.Wrap(err, "build connect request")
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", c.classifyTransportErr(ctx, err, "connect")
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", merr.WrapErrInvalidCredentials(resp.StatusCode, "connect")
	default:
		return "", merr.WrapErrProtocol(resp.StatusCode, readReason(resp))
	}

	var body network.ConnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(merr.WrapErrProtocol(resp.StatusCode, "malformed connect response"), err.Error())
	}
	if body.SessionKey == "" {
		return "", errors.Wrap(merr.WrapErrProtocol(resp.StatusCode, "missing session key"), network.ErrCodeHandshakeFailed)
	}
	if err := c.checkVersion(resp.StatusCode, body.APIVersion); err != nil {
		return "", err
	}
	return body.SessionKey, nil
}

// checkVersion 拒绝主版本号与本端不同的远端；远端未声明版本时视为兼容。
func (c *Connector) checkVersion(status int, remote string) error {
	if remote == "" {
		return nil
	}
	remoteVer, err := semver.ParseTolerant(remote)
	if err != nil {
		return merr.WrapErrProtocol(status, "invalid api version "+remote)
	}
	localVer := semver.MustParse(APIVersion)
	if remoteVer.Major != localVer.Major {
		return merr.WrapErrProtocol(status,
			fmt.Sprintf("incompatible api version: remote=%s local=%s", remoteVer, localVer))
	}
	c.remote.Store(&remoteVer)
	return nil
}

// Close 终止 Connector：取消生命周期、等待后台任务退出，再尽力通知远端断开会话。
// 重复调用是安全的，关闭流程只执行一次。
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateTerminated))
		c.cancel(errClosing)
		if c.task != nil {
			_, _ = c.task.Await()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.disconnect(ctx); err != nil {
			c.Logger().Warn("failed to disconnect session", zap.Error(err))
		}
		c.sessionKey.Store("")
		c.mirror.SetConnectivity(model.Disconnected)
		c.cfg.HTTPClient.CloseIdleConnections()
		c.Logger().Info("connector closed")
	})
	return nil
}

func (c *Connector) disconnect(ctx context.Context) error {
	key := c.sessionKey.Load()
	if key == "" {
		return nil
	}
	req, err := c.newRequest(ctx, http.MethodGet, network.PathDisconnect, "", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "disconnect")
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return merr.ErrorFromStatus(resp.StatusCode, readReason(resp))
	}
	return nil
}

// endpoint 拼接远端地址；escapedPath 应已通过 network.EscapePath 转义。
func (c *Connector) endpoint(path, escapedPath string, query url.Values) string {
	var sb strings.Builder
	sb.WriteString(c.baseURL.String())
	sb.WriteString(path)
	sb.WriteString(escapedPath)
	if len(query) > 0 {
		sb.WriteByte('?')
		sb.WriteString(query.Encode())
	}
	return sb.String()
}

// newRequest 构造一个携带会话 key 的请求。
func (c *Connector) newRequest(ctx context.Context, method, path, escapedPath string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, escapedPath, query), body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", path)
	}
	if key := c.sessionKey.Load(); key != "" {
		req.Header.Set(network.HeaderSessionKey, key)
	}
	return req, nil
}

// classifyTransportErr 区分外部取消与瞬时失败：
// outer 已结束说明是调用方或 Connector 生命周期发起的取消，否则（包括单次尝试自身超时）视为瞬时失败。
func (c *Connector) classifyTransportErr(outer context.Context, err error, op string) error {
	if outer.Err() != nil {
		return merr.WrapErrCanceled(context.Cause(outer))
	}
	return merr.WrapErrTransient(err, op)
}

func readReason(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, merr.ErrCanceled):
		return metrics.OutcomeCanceled
	case errors.Is(err, merr.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, merr.ErrInvalidCredentials):
		return metrics.OutcomeDenied
	case errors.Is(err, merr.ErrTransient):
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomeProtocol
	}
}
