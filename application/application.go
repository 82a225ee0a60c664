package application

import (
	"flag"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/boardlink-go/internal/network/acceptor"
	"github.com/lk2023060901/boardlink-go/internal/network/connector"
	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/util/viper"
)

const (
	// EnvPrefix 为所有环境变量的前缀，例如 BOARDLINK_SERVER_PASSWORD 覆盖 server.password。
	EnvPrefix = "BOARDLINK"

	defaultConfigPath       = "./config.yaml"
	defaultConnectorAddress = "http://127.0.0.1:8080"
	envConfigPath           = EnvPrefix + "_CONFIG_FILE_PATH"

	// 配置文件中的各段。
	KeyConnector = "connector"
	KeyServer    = "server"
	KeyLogging   = "logging"
)

// Application 为示例进程的运行时容器，负责加载配置并初始化日志。
type Application struct {
	cfg        *viper.Config
	configPath string
	configFlag *string
	loggers    map[string]*log.MLogger
}

// New 创建一个 Application。
func New() *Application {
	return &Application{}
}

// BindFlags 在 fs 上登记 config 选项。
// 进程自行解析命令行时必须先调用它，否则 --config 会被 flag 包当作未定义选项拒绝。
func (a *Application) BindFlags(fs *flag.FlagSet) {
	a.configFlag = fs.String("config", "", "配置文件路径（YAML 或 JSON）")
}

// Run 解析命令行参数并加载配置，配置文件路径按以下优先级确定：
//  1. 默认：./config.yaml（不存在时只使用默认值与环境变量）
//  2. 环境变量：BOARDLINK_CONFIG_FILE_PATH
//  3. 命令行：--config <path>、--config=<path>，或经 BindFlags 解析得到的值
func (a *Application) Run() error {
	return a.run(os.Args[1:])
}

func (a *Application) run(args []string) error {
	path, explicit, err := resolveConfigPath(args)
	if err != nil {
		return err
	}
	if a.configFlag != nil && *a.configFlag != "" {
		path, explicit = *a.configFlag, true
	}
	a.configPath = path

	cfg := viper.New()
	setDefaults(cfg)
	cfg.BindEnv(EnvPrefix)
	if _, statErr := os.Stat(path); statErr == nil || explicit {
		if err := cfg.LoadFile(path); err != nil {
			return err
		}
	}
	a.cfg = cfg

	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// Config 返回已加载的配置。
func (a *Application) Config() *viper.Config {
	return a.cfg
}

// ConfigPath 返回解析得到的配置文件路径。
func (a *Application) ConfigPath() string {
	return a.configPath
}

// Logger 返回配置中 logging.<name> 定义的日志实例，未定义时退回到全局日志。
func (a *Application) Logger(name string) *log.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return log.With(log.FieldModule(name))
}

// ConnectorSection 为 connector 段的完整内容：远端地址加上 connector.Config。
type ConnectorSection struct {
	Address          string `mapstructure:"address"`
	connector.Config `mapstructure:",squash"`
}

// ConnectorConfig 读取 connector 段。
func (a *Application) ConnectorConfig() (ConnectorSection, error) {
	section := ConnectorSection{Address: defaultConnectorAddress, Config: connector.DefaultConfig()}
	if a.cfg == nil {
		return section, nil
	}
	if err := a.cfg.UnmarshalKey(KeyConnector, &section); err != nil {
		return section, errors.Wrap(err, "decode connector config")
	}
	return section, nil
}

// ServerConfig 读取 server 段。
func (a *Application) ServerConfig() (acceptor.Config, error) {
	cfg := acceptor.DefaultConfig()
	if a.cfg == nil {
		return cfg, nil
	}
	if err := a.cfg.UnmarshalKey(KeyServer, &cfg); err != nil {
		return cfg, errors.Wrap(err, "decode server config")
	}
	return cfg, nil
}

func resolveConfigPath(args []string) (string, bool, error) {
	path, explicit := defaultConfigPath, false
	if envPath := os.Getenv(envConfigPath); envPath != "" {
		path, explicit = envPath, true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) {
				return "", false, errors.New("missing value after --config")
			}
			path, explicit = args[i+1], true
			i++
			continue
		}
		for _, prefix := range []string{"--config=", "-config="} {
			if val, ok := strings.CutPrefix(arg, prefix); ok && val != "" {
				path, explicit = val, true
			}
		}
	}
	return path, explicit, nil
}

// setDefaults 登记各段的默认值，使未出现在配置文件中的 key 也能被环境变量覆盖。
func setDefaults(cfg *viper.Config) {
	cc := connector.DefaultConfig()
	cfg.SetDefault("connector.address", defaultConnectorAddress)
	cfg.SetDefault("connector.password", cc.Password)
	cfg.SetDefault("connector.requestTimeout", cc.RequestTimeout)
	cfg.SetDefault("connector.sessionKeepAliveInterval", cc.SessionKeepAliveInterval)
	cfg.SetDefault("connector.pingInterval", cc.PingInterval)
	cfg.SetDefault("connector.updateDelay", cc.UpdateDelay)
	cfg.SetDefault("connector.maxRetries", cc.MaxRetries)
	cfg.SetDefault("connector.observeModel", cc.ObserveModel)
	cfg.SetDefault("connector.observeMessages", cc.ObserveMessages)

	sc := acceptor.DefaultConfig()
	cfg.SetDefault("server.address", sc.Address)
	cfg.SetDefault("server.password", sc.Password)
	cfg.SetDefault("server.sessionIdleTimeout", sc.SessionIdleTimeout)
	cfg.SetDefault("server.sweepInterval", sc.SweepInterval)
	cfg.SetDefault("server.writeTimeout", sc.WriteTimeout)
	cfg.SetDefault("server.shutdownTimeout", sc.ShutdownTimeout)
}

// initGlobalLoggerFromEnv 根据 BOARDLINK_LOG_* 环境变量配置全局日志：
//   - BOARDLINK_LOG_ENABLE：为 "1"/"true" 时启用输出，否则丢弃全部日志；
//   - BOARDLINK_LOG_LEVEL：日志级别，默认 info；
//   - BOARDLINK_LOG_STDOUT：是否输出到标准输出；
//   - BOARDLINK_LOG_FILE_DIR、BOARDLINK_LOG_FILE：文件日志目录与文件名；
//   - BOARDLINK_LOG_FORMAT：text 或 json，默认 text。
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := &log.Config{
		Level:               getenvDefault(EnvPrefix+"_LOG_LEVEL", "info"),
		Format:              getenvDefault(EnvPrefix+"_LOG_FORMAT", "text"),
		Stdout:              getenvBool(EnvPrefix+"_LOG_STDOUT", false),
		DisableErrorVerbose: true,
		File: log.FileLogConfig{
			RootPath: getenvDefault(EnvPrefix+"_LOG_FILE_DIR", ""),
			Filename: getenvDefault(EnvPrefix+"_LOG_FILE", ""),
		},
	}
	if !getenvBool(EnvPrefix+"_LOG_ENABLE", false) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 根据 logging 段创建具名日志实例。
//
// 示例：
//
//	logging:
//	  connector:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: connector.log
func (a *Application) initModuleLoggersFromConfig() error {
	raw := make(map[string]log.Config)
	if err := a.cfg.UnmarshalKey(KeyLogging, &raw); err != nil {
		return errors.Wrap(err, "decode logging config")
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*log.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := log.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &log.MLogger{Logger: logger.With(log.FieldModule(name))}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
