package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Ticket   TicketConfig    `mapstructure:"ticket"`
	SLO      SLOConfig       `mapstructure:"slo"`
	Logout   LogoutConfig    `mapstructure:"logout"`
	Proxy    ProxyConfig     `mapstructure:"proxy"`
	JWT      JWTConfig       `mapstructure:"jwt"`
	Services []ServiceConfig `mapstructure:"services"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TicketConfig 票据配置
type TicketConfig struct {
	Expiry            time.Duration `mapstructure:"expiry"`              // ST/PT/PGT 有效期，默认 90 秒
	TGTExpiry         time.Duration `mapstructure:"tgt_expiry"`          // TGT（SSO 会话）有效期，默认 8 小时
	LoginTicketExpiry time.Duration `mapstructure:"login_ticket_expiry"` // 登录票据有效期，默认 5 分钟
	IDLength          int           `mapstructure:"id_length"`           // 票据随机部分长度，默认 32
	Grace             time.Duration `mapstructure:"grace"`               // 过期票据在存储中保留的宽限期
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`      // 过期清理周期
}

// SLOConfig 单点登出配置
type SLOConfig struct {
	Enabled     bool          `mapstructure:"enabled"`     // 是否启用单点登出通知
	Concurrency int           `mapstructure:"concurrency"` // 通知并发上限，0 表示不限
	Timeout     time.Duration `mapstructure:"timeout"`     // 单条通知超时
}

// LogoutConfig 登出行为配置
type LogoutConfig struct {
	FollowURL bool `mapstructure:"follow_url"` // 登出后是否跳转到请求携带的 URL
}

// ProxyConfig 代理票据配置
type ProxyConfig struct {
	VerifyCallback bool `mapstructure:"verify_callback"` // 签发 PGT 前是否回调验证
}

// JWTConfig 登出通知签名配置
type JWTConfig struct {
	Issuer string `mapstructure:"issuer"`
}

// ServiceConfig 服务白名单条目
// pattern 为正则表达式，按配置顺序首个匹配的条目生效
type ServiceConfig struct {
	Pattern      string `mapstructure:"pattern"`
	ProxyAllow   bool   `mapstructure:"proxy_allow"`
	ProxyPattern string `mapstructure:"proxy_pattern"`
}

// Load 加载配置
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// 支持环境变量覆盖
	viper.AutomaticEnv()

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults() {
	// 服务器默认配置
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")

	// 数据库默认配置
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.user", "postgres")
	viper.SetDefault("database.postgres.password", "")
	viper.SetDefault("database.postgres.dbname", "cas_server")
	viper.SetDefault("database.postgres.sslmode", "disable")

	// Redis 默认配置
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// 票据默认配置
	viper.SetDefault("ticket.expiry", "90s")
	viper.SetDefault("ticket.tgt_expiry", "8h")
	viper.SetDefault("ticket.login_ticket_expiry", "5m")
	viper.SetDefault("ticket.id_length", 32)
	viper.SetDefault("ticket.grace", "5m")
	viper.SetDefault("ticket.sweep_interval", "1m")

	// 单点登出默认配置
	viper.SetDefault("slo.enabled", false)
	viper.SetDefault("slo.concurrency", 2)
	viper.SetDefault("slo.timeout", "5s")

	// 登出行为默认配置
	viper.SetDefault("logout.follow_url", true)

	// 代理默认配置
	viper.SetDefault("proxy.verify_callback", true)

	// 登出通知签名默认配置
	viper.SetDefault("jwt.issuer", "cas-server")
}
