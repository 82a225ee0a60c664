package viper

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，对外提供精简的 YAML/JSON 配置加载接口。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config。
// 未调用 LoadFile 时，Unmarshal/UnmarshalKey 只会应用默认值与环境变量覆盖。
func New() *Config {
	return &Config{
		v: spfviper.New(),
	}
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	c.ensure()
	c.v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	if err := c.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "load config file %s", path)
	}
	return nil
}

// BindEnv 启用环境变量覆盖：key "connector.requestTimeout" 对应
// 环境变量 <PREFIX>_CONNECTOR_REQUESTTIMEOUT。
func (c *Config) BindEnv(prefix string) {
	c.ensure()
	c.v.SetEnvPrefix(prefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()
}

// SetDefault 为 key 设置默认值，优先级低于配置文件与环境变量。
func (c *Config) SetDefault(key string, value any) {
	c.ensure()
	c.v.SetDefault(key, value)
}

// IsSet 判断 key 是否出现在任意配置来源中。
func (c *Config) IsSet(key string) bool {
	c.ensure()
	return c.v.IsSet(key)
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst any) error {
	c.ensure()
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针；key 不存在时 dst 保持不变。
// 子配置取自 AllSettings，因此环境变量与默认值对嵌套字段同样生效。
func (c *Config) UnmarshalKey(key string, dst any) error {
	c.ensure()
	section, ok := lookup(c.v.AllSettings(), key)
	if !ok {
		return nil
	}
	nested, ok := section.(map[string]any)
	if !ok {
		return c.v.UnmarshalKey(key, dst)
	}
	sub := spfviper.New()
	if err := sub.MergeConfigMap(nested); err != nil {
		return errors.Wrapf(err, "merge config section %s", key)
	}
	return sub.Unmarshal(dst)
}

func lookup(settings map[string]any, key string) (any, bool) {
	var cur any = settings
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (c *Config) ensure() {
	if c.v == nil {
		c.v = spfviper.New()
	}
}
