package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Properties PropertiesConfig `mapstructure:"properties"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Address      string        `mapstructure:"address" validate:"required"`
	Mode         string        `mapstructure:"mode" validate:"oneof=debug release production test"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret" validate:"required,min=8"`
	TokenExpiry time.Duration `mapstructure:"token_expiry" validate:"gt=0"`
	Realm       string        `mapstructure:"realm" validate:"required"`
}

// StorageConfig 本地存储配置
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type     string         `mapstructure:"type" validate:"oneof=sqlite postgres"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PropertiesConfig 死属性存储配置
type PropertiesConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sql memory redis"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 15*time.Minute)
	v.SetDefault("server.write_timeout", 15*time.Minute)
	v.SetDefault("server.enable_cors", false)
	v.SetDefault("auth.jwt_secret", "change-me-please")
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("auth.realm", "filedav")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", "./data/filedav.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("properties.backend", "sql")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.key_prefix", "filedav:")
	v.SetDefault("redis.timeout", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load 加载配置。configFile 为空时按默认路径搜索 config.yaml
func Load(configFile string) (*Config, error) {
	// .env 文件可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/filedav")
		v.AddConfigPath("$HOME/.filedav")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	setEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setEnvOverrides 设置环境变量覆盖
func setEnvOverrides(v *viper.Viper) {
	strs := map[string]string{
		"SERVER_ADDRESS":     "server.address",
		"SERVER_MODE":        "server.mode",
		"JWT_SECRET":         "auth.jwt_secret",
		"FILEDAV_DATA_DIR":   "storage.data_dir",
		"DATABASE_TYPE":      "database.type",
		"SQLITE_PATH":        "database.sqlite.path",
		"POSTGRES_HOST":      "database.postgres.host",
		"POSTGRES_USERNAME":  "database.postgres.username",
		"POSTGRES_PASSWORD":  "database.postgres.password",
		"POSTGRES_DATABASE":  "database.postgres.database",
		"POSTGRES_SSL_MODE":  "database.postgres.ssl_mode",
		"PROPERTIES_BACKEND": "properties.backend",
		"REDIS_ADDRESS":      "redis.address",
		"REDIS_PASSWORD":     "redis.password",
		"LOG_LEVEL":          "logging.level",
		"LOG_FORMAT":         "logging.format",
	}
	for env, key := range strs {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	ints := map[string]string{
		"POSTGRES_PORT": "database.postgres.port",
		"REDIS_DB":      "redis.db",
	}
	for env, key := range ints {
		if val := os.Getenv(env); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				v.Set(key, n)
			}
		}
	}
}

// DSN 获取数据库连接字符串
func (c DatabaseConfig) DSN() string {
	switch c.Type {
	case "postgres":
		return buildPostgresDSN(c.Postgres)
	default:
		return c.SQLite.Path
	}
}

// buildPostgresDSN 构建PostgreSQL DSN
func buildPostgresDSN(config PostgresConfig) string {
	dsn := "host=" + config.Host
	dsn += " port=" + strconv.Itoa(config.Port)
	dsn += " user=" + config.Username
	dsn += " password=" + config.Password
	dsn += " dbname=" + config.Database
	dsn += " sslmode=" + config.SSLMode
	return dsn
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production" || c.Server.Mode == "release"
}

// GetGINMode 获取Gin模式
func (c *Config) GetGINMode() string {
	switch c.Server.Mode {
	case "release", "production":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}
