package acceptor

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/boardlink-go/internal/model"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/internal/network/session"
	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/typeutil"
)

const (
	DefaultSessionIdleTimeout = 16 * time.Second
	DefaultSweepInterval      = 2 * time.Second
	DefaultWriteTimeout       = 4 * time.Second
	DefaultShutdownTimeout    = 5 * time.Second
)

// errShutdown 为 Acceptor 生命周期上下文的取消原因。
var errShutdown = errors.New("acceptor shutting down")

// Config 描述 Acceptor 的配置。
//
// 说明：
//   - Password 为空时握手不校验密码；
//   - SessionIdleTimeout 为会话在无流式连接、无长耗时请求时允许的最长空闲时间；
//   - SweepInterval 为空闲清理的执行间隔；
//   - WriteTimeout 约束流式连接上的单次写入。
type Config struct {
	Address            string        `mapstructure:"address"`
	Password           string        `mapstructure:"password"`
	SessionIdleTimeout time.Duration `mapstructure:"sessionIdleTimeout"`
	SweepInterval      time.Duration `mapstructure:"sweepInterval"`
	WriteTimeout       time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdownTimeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Address:            ":8080",
		SessionIdleTimeout: DefaultSessionIdleTimeout,
		SweepInterval:      DefaultSweepInterval,
		WriteTimeout:       DefaultWriteTimeout,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

func (c *Config) fillDefaults() {
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// ControlProcess 为拥有外部会话 ID 的控制进程。
//
// 握手成功后通过 RegisterSession 分配外部会话 ID；会话被移除后 Store 通过 ReleaseSession 通知释放。
type ControlProcess interface {
	session.Releaser
	RegisterSession(ctx context.Context, access session.AccessLevel, origin string) (int64, error)
}

// ModelSource 为权威对象模型，*model.Source 即为一个实现。
type ModelSource interface {
	Subscribe() *model.Subscription
}

// CommandExecutor 执行控制代码并返回文本应答。
type CommandExecutor interface {
	Execute(ctx context.Context, externalID int64, code string) (string, error)
}

// CommandExecutorFunc 允许直接使用函数作为 CommandExecutor。
type CommandExecutorFunc func(ctx context.Context, externalID int64, code string) (string, error)

func (f CommandExecutorFunc) Execute(ctx context.Context, externalID int64, code string) (string, error) {
	return f(ctx, externalID, code)
}

// FileSystem 为远端文件操作的落地实现，路径均为客户端给出的原始路径。
// 目标不存在时应返回 merr.ErrNotFound。
type FileSystem interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string, r io.Reader, modTime time.Time) error
	Remove(ctx context.Context, path string) error
	Move(ctx context.Context, from, to string, force bool) error
	MakeDirectory(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]network.FileEntry, error)
	FileInfo(ctx context.Context, path string) (map[string]any, error)
}

// Acceptor 是协议的服务端实现：基于 session.Store 完成握手、会话校验与空闲清理，
// 并把模型订阅、代码执行与文件操作转交给各协作方。
//
// 未配置的协作方对应的端点应答 503。
type Acceptor struct {
	log.Binder

	cfg     Config
	store   *session.Store
	control ControlProcess
	source  ModelSource
	exec    CommandExecutor
	fs      FileSystem

	mux      *http.ServeMux
	upgrader websocket.Upgrader
	conns    *typeutil.ConcurrentSet[*websocket.Conn]

	// streamMu 保证 Close 之后不再有新的流式连接加入 streams。
	streamMu sync.Mutex
	closed   bool
	streams  sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
}

// Option 为 Acceptor 的可选配置项。
type Option func(*Acceptor)

func WithModelSource(src ModelSource) Option {
	return func(a *Acceptor) {
		a.source = src
	}
}

func WithCommandExecutor(exec CommandExecutor) Option {
	return func(a *Acceptor) {
		a.exec = exec
	}
}

func WithFileSystem(fs FileSystem) Option {
	return func(a *Acceptor) {
		a.fs = fs
	}
}

// WithStoreOptions 透传给内部 session.Store 的配置，Releaser 始终为 ControlProcess。
func WithStoreOptions(opts ...session.Option) Option {
	return func(a *Acceptor) {
		a.store = session.NewStore(append(opts, session.WithReleaser(a.control))...)
	}
}

func WithLogger(logger *log.MLogger) Option {
	return func(a *Acceptor) {
		if logger != nil {
			a.SetLogger(logger.With().WithRateGroup(rateGroup, rateCredit, rateBurst))
		}
	}
}

// 请求失败、流中断等告警的限流分组：每秒 1 条，突发 10 条。
const (
	rateGroup  = "acceptor"
	rateCredit = 1
	rateBurst  = 10
)

// New 创建 Acceptor。control 不能为空。
func New(cfg Config, control ControlProcess, opts ...Option) *Acceptor {
	cfg.fillDefaults()
	a := &Acceptor{
		cfg:     cfg,
		control: control,
		conns:   typeutil.NewConcurrentSet[*websocket.Conn](),
	}
	a.SetLogger(log.With(log.FieldComponent("acceptor")).WithRateGroup(rateGroup, rateCredit, rateBurst))
	for _, opt := range opts {
		opt(a)
	}
	if a.store == nil {
		a.store = session.NewStore(session.WithReleaser(control))
	}
	a.ctx, a.cancel = context.WithCancelCause(context.Background())
	a.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.WriteTimeout,
		// 会话 key 已经校验过来源
		CheckOrigin: func(*http.Request) bool { return true },
	}
	a.mux = a.routes()
	return a
}

// Store 返回内部的会话存储。
func (a *Acceptor) Store() *session.Store {
	return a.store
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Serve 在 ln 上提供服务并周期性清理空闲会话，直到 ctx 结束或服务出错。
// 返回前关闭所有流式连接并等待会话释放通知完成。
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: a.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.ctx },
	}
	logger := a.Logger().With(zap.String("address", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("acceptor serving")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		return a.store.Run(gctx, a.cfg.SweepInterval, a.cfg.SessionIdleTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		a.closeStreams()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return nil
	})
	err := g.Wait()
	a.Close()
	logger.Info("acceptor stopped", zap.Error(err))
	return err
}

// ListenAndServe 监听 cfg.Address 并调用 Serve。
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", a.cfg.Address)
	}
	return a.Serve(ctx, ln)
}

// Close 关闭所有流式连接并关闭会话存储，可重复调用。
// 仍被跟踪的会话不会被释放，控制进程应在自身退出时回收。
func (a *Acceptor) Close() {
	a.closeOnce.Do(func() {
		a.streamMu.Lock()
		a.closed = true
		a.streamMu.Unlock()
		a.closeStreams()
		a.streams.Wait()
		a.store.Close()
	})
}

// closeStreams 取消生命周期并断开所有流式连接。
func (a *Acceptor) closeStreams() {
	a.cancel(errShutdown)
	a.conns.Range(func(conn *websocket.Conn) bool {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(a.cfg.WriteTimeout))
		_ = conn.Close()
		return true
	})
}

// acquireStream 登记一条新的流式连接，Acceptor 已关闭时返回 false。
func (a *Acceptor) acquireStream() bool {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.closed {
		return false
	}
	a.streams.Add(1)
	return true
}

func (a *Acceptor) streamOpened(conn *websocket.Conn) {
	a.conns.Insert(conn)
	metrics.AcceptorStreams.Inc()
}

func (a *Acceptor) streamClosed(conn *websocket.Conn) {
	if a.conns.TryRemove(conn) {
		metrics.AcceptorStreams.Dec()
	}
}
