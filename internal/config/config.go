package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"WAMP-Orchestrator/internal/broker"
	"WAMP-Orchestrator/internal/storage/mysql"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/plugin"
)

// EnvPrefix 是所有环境变量覆盖项的公共前缀。
const EnvPrefix = "WAMPD_"

// 会话后端驱动
const (
	BrokerMemory   = "memory"
	BrokerRedis    = "redis"
	BrokerRabbitMQ = "rabbitmq"
)

// 登记簿驱动
const (
	LedgerMemory = "memory"
	LedgerMySQL  = "mysql"
	LedgerNone   = "none"
)

// Config 描述了 wampd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig         `yaml:"server" envPrefix:"SERVER_"`
	Session  SessionConfig        `yaml:"session" envPrefix:"SESSION_"`
	Broker   BrokerConfig         `yaml:"broker" envPrefix:"BROKER_"`
	Ledger   LedgerConfig         `yaml:"ledger" envPrefix:"LEDGER_"`
	Alerting AlertingConfig       `yaml:"alerting" envPrefix:"ALERTING_"`
	Logging  logger.Config        `yaml:"logging" envPrefix:"LOG_"`
	Runtime  RuntimeConfig        `yaml:"runtime" envPrefix:"RUNTIME_"`
	Plugins  plugin.ManagerConfig `yaml:"plugins"`
}

// ServerConfig 控制状态 API 与指标端点的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address" env:"ADDRESS"`
	MetricsAddress string `yaml:"metricsAddress" env:"METRICS_ADDRESS"`
}

// SessionConfig 描述插件管理器加入的会话身份。
type SessionConfig struct {
	Realm    string `yaml:"realm" env:"REALM"`
	AuthID   string `yaml:"authid" env:"AUTHID"`
	AuthRole string `yaml:"authrole" env:"AUTHROLE"`
}

// Options 转换为后端打开会话所需的参数。
func (s SessionConfig) Options() broker.SessionOptions {
	return broker.SessionOptions{Realm: s.Realm, AuthID: s.AuthID, AuthRole: s.AuthRole}
}

// BrokerConfig 选择会话后端。
type BrokerConfig struct {
	Driver   string                `yaml:"driver" env:"DRIVER"`
	Redis    broker.RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ broker.RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// LedgerConfig 选择注册结果的持久化方式。
type LedgerConfig struct {
	Driver string       `yaml:"driver" env:"DRIVER"`
	MySQL  mysql.Config `yaml:"mysql" envPrefix:"MYSQL_"`
}

// AlertingConfig 控制未就绪告警的发布主题。
type AlertingConfig struct {
	Topic        string `yaml:"topic" env:"TOPIC"`
	DisableTopic bool   `yaml:"disableTopic" env:"DISABLE_TOPIC"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"dataDir" env:"DATA_DIR"`
}

// Load 解析指定路径的 YAML 配置，应用环境变量覆盖与默认值并校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.finalize(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值与环境变量覆盖的配置，供 demo 等无配置文件场景使用。
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finalize("."); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finalize(baseDir string) error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	c.applyDefaults(baseDir)
	return c.Validate()
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Session.Realm == "" {
		c.Session.Realm = "realm1"
	}
	if c.Broker.Driver == "" {
		c.Broker.Driver = BrokerMemory
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerMemory
	}
	if c.Alerting.Topic == "" {
		c.Alerting.Topic = "wampd.plugin.not_ready"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Plugins.PluginDir != "" && !filepath.IsAbs(c.Plugins.PluginDir) {
		c.Plugins.PluginDir = filepath.Join(baseDir, c.Plugins.PluginDir)
	}
	if c.Plugins.Plugins == nil {
		c.Plugins.Plugins = map[string]plugin.PluginConfig{}
	}
}

// Validate 检查驱动取值与各后端的必填项。
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerRedis:
		if c.Broker.Redis.Address == "" {
			return errors.New("redis 后端需要配置 broker.redis.address")
		}
	case BrokerRabbitMQ:
		if c.Broker.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 后端需要配置 broker.rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的会话后端: %s", c.Broker.Driver)
	}

	switch c.Ledger.Driver {
	case LedgerMemory, LedgerNone:
	case LedgerMySQL:
		if c.Ledger.MySQL.DSN == "" {
			return errors.New("mysql 登记簿需要配置 ledger.mysql.dsn")
		}
	default:
		return fmt.Errorf("未知的登记簿驱动: %s", c.Ledger.Driver)
	}

	if err := c.Plugins.Validate(); err != nil {
		return fmt.Errorf("插件配置无效: %w", err)
	}
	return nil
}
