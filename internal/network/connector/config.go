package connector

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/boardlink-go/pkg/log"
)

const (
	// 文档化的默认配置。
	DefaultRequestTimeout           = 4 * time.Second
	DefaultSessionKeepAliveInterval = 8 * time.Second
	DefaultPingInterval             = 8 * time.Second
	DefaultUpdateDelay              = 250 * time.Millisecond
	DefaultMaxRetries               = 3

	// reconnectDelay 为后台同步任务失败后的固定退避时间。
	reconnectDelay = 2 * time.Second
)

// Config 描述 Connector 的全部配置，字段均可通过 YAML/JSON（mapstructure）加载。
//
// 说明：
//   - RequestTimeout 约束握手、保活以及幂等请求的单次尝试；
//   - SessionKeepAliveInterval 为 Polling 策略发送保活请求的间隔；
//   - PingInterval 为 Streaming 策略等待下一条补丁的超时，超时后发送心跳请求；
//   - UpdateDelay 为每次确认后等待的节流时间，0 表示不节流；
//   - MaxRetries 为幂等请求在首次尝试之外的最大重试次数；
//   - ObserveModel 为 true 时运行 Streaming 策略，否则运行 Polling 策略；
//   - ObserveMessages 为 false 时每次合并后清空镜像中的 messages。
type Config struct {
	Password                 string        `mapstructure:"password"`
	RequestTimeout           time.Duration `mapstructure:"requestTimeout"`
	SessionKeepAliveInterval time.Duration `mapstructure:"sessionKeepAliveInterval"`
	PingInterval             time.Duration `mapstructure:"pingInterval"`
	UpdateDelay              time.Duration `mapstructure:"updateDelay"`
	MaxRetries               int           `mapstructure:"maxRetries"`
	ObserveModel             bool          `mapstructure:"observeModel"`
	ObserveMessages          bool          `mapstructure:"observeMessages"`

	// HTTPClient 用于所有 HTTP 请求，为空时使用不带全局超时的默认客户端。
	HTTPClient *http.Client `mapstructure:"-"`
	// Dialer 用于建立流式通道，为空时使用 websocket.DefaultDialer 的副本。
	Dialer *websocket.Dialer `mapstructure:"-"`
	// Logger 允许调用方注入自定义日志实例；为空时使用全局日志。
	Logger *log.MLogger `mapstructure:"-"`

	reconnectDelay time.Duration
}

// DefaultConfig 返回带有文档化默认值的配置。
func DefaultConfig() Config {
	return Config{
		RequestTimeout:           DefaultRequestTimeout,
		SessionKeepAliveInterval: DefaultSessionKeepAliveInterval,
		PingInterval:             DefaultPingInterval,
		UpdateDelay:              DefaultUpdateDelay,
		MaxRetries:               DefaultMaxRetries,
	}
}

// Option 为 Config 的可选配置项。
type Option func(*Config)

// WithConfig 以 cfg 整体覆盖当前配置，通常用于从配置文件加载。
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		reconnect := c.reconnectDelay
		*c = cfg
		if c.reconnectDelay == 0 {
			c.reconnectDelay = reconnect
		}
	}
}

// WithPassword 设置握手时携带的密码，远端未配置密码时可留空。
func WithPassword(password string) Option {
	return func(c *Config) {
		c.Password = password
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func WithSessionKeepAliveInterval(d time.Duration) Option {
	return func(c *Config) {
		c.SessionKeepAliveInterval = d
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

func WithUpdateDelay(d time.Duration) Option {
	return func(c *Config) {
		c.UpdateDelay = d
	}
}

// WithMaxRetries 设置幂等请求的最大重试次数（不含首次调用）。
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithObserveModel 选择是否订阅对象模型（Streaming 策略）。
func WithObserveModel(observe bool) Option {
	return func(c *Config) {
		c.ObserveModel = observe
	}
}

// WithObserveMessages 选择是否在镜像中保留 messages。
func WithObserveMessages(observe bool) Option {
	return func(c *Config) {
		c.ObserveMessages = observe
	}
}

func WithHTTPClient(cli *http.Client) Option {
	return func(c *Config) {
		if cli != nil {
			c.HTTPClient = cli
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Config) {
		if d != nil {
			c.Dialer = d
		}
	}
}

// WithLogger 注入具名日志实例。
func WithLogger(l *log.MLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// fillDefaults 只替换非法取值（非正的超时与间隔、负的重试次数），合法的显式配置保持不变。
func (c *Config) fillDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SessionKeepAliveInterval <= 0 {
		c.SessionKeepAliveInterval = DefaultSessionKeepAliveInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.UpdateDelay < 0 {
		c.UpdateDelay = DefaultUpdateDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = reconnectDelay
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Dialer == nil {
		dialer := *websocket.DefaultDialer
		c.Dialer = &dialer
	}
}
