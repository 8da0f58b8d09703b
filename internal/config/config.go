package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	MySQL       MySQLConfig        `mapstructure:"mysql"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Kafka       KafkaConfig        `mapstructure:"kafka"`
	Ledger      LedgerConfig       `mapstructure:"ledger"`
	CreditTypes []CreditTypeConfig `mapstructure:"credit_types"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Audit string `mapstructure:"audit"`
}

// LedgerConfig 账本引擎参数
type LedgerConfig struct {
	LockTimeoutMs        int `mapstructure:"lock_timeout_ms"`         // 等待账户锁的上限
	LockExpirationMs     int `mapstructure:"lock_expiration_ms"`      // 锁自动过期时间
	LockRetryIntervalMs  int `mapstructure:"lock_retry_interval_ms"`  // 等锁重试间隔
	VersionRetryCount    int `mapstructure:"version_retry_count"`     // 乐观锁冲突的有限重试次数
	ExpireScanIntervalS  int `mapstructure:"expire_scan_interval_s"`  // 过期扫描周期
	ExpireScanBatchSize  int `mapstructure:"expire_scan_batch_size"`  // 每轮扫描账户数
	ReconcileIntervalS   int `mapstructure:"reconcile_interval_s"`    // 对账周期
	ReconcileBatchSize   int `mapstructure:"reconcile_batch_size"`    // 每轮对账账户数
	AuditSendIntervalMs  int `mapstructure:"audit_send_interval_ms"`  // 审计投递周期
	AuditSendBatchSize   int `mapstructure:"audit_send_batch_size"`   // 每轮投递条数
	AuditMaxRetryCount   int `mapstructure:"audit_max_retry_count"`   // 投递失败重试上限
	ExpiringSoonDays     int `mapstructure:"expiring_soon_days"`      // "即将过期"默认阈值
}

func (c *LedgerConfig) LockTimeout() time.Duration {
	if c.LockTimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

func (c *LedgerConfig) LockExpiration() time.Duration {
	if c.LockExpirationMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockExpirationMs) * time.Millisecond
}

func (c *LedgerConfig) LockRetryInterval() time.Duration {
	if c.LockRetryIntervalMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.LockRetryIntervalMs) * time.Millisecond
}

// CreditTypeConfig 积分类型目录条目
// 积分类型由外部目录系统维护，这里以配置文件形式接入
type CreditTypeConfig struct {
	ID               string `mapstructure:"id"`
	Code             string `mapstructure:"code"`
	Name             string `mapstructure:"name"`
	UnitName         string `mapstructure:"unit_name"`
	ExpirationPolicy string `mapstructure:"expiration_policy"`
	ValidityDays     int    `mapstructure:"validity_days"`
	ExpireDate       string `mapstructure:"expire_date"` // fixed_date 策略使用，格式 2006-01-02
	IsValid          bool   `mapstructure:"is_valid"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
