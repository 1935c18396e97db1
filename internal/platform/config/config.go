// Package config loads kycgate configuration from ENV and an optional YAML
// file into typed sections with defaults.
package config

import (
	"time"

	"kycgate/pkg/secrets"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Processor ProcessorConfig `yaml:"processor"`
	OTP       OTPConfig       `yaml:"otp"`
	Audit     AuditConfig     `yaml:"audit"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	SMS       SMSConfig       `yaml:"sms"`
	Log       LogConfig       `yaml:"log"`

	// MasterSecret is expanded into the field-encryption, blind-index and
	// OTP-digest keys. It must stay stable across restarts.
	MasterSecret secrets.Secret `yaml:"master_secret" env:"KYC_MASTER_SECRET" env-required:"true"`
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"KYC_OPS_ADDR"          env-default:":8081"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"KYC_SHUTDOWN_TIMEOUT"  env-default:"15s"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"KYC_OPS_READ_TIMEOUT"  env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"KYC_OPS_WRITE_TIMEOUT" env-default:"10s"`
	InMemory        bool          `yaml:"in_memory"        env:"KYC_IN_MEMORY"         env-default:"false"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"                env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"     env:"DATABASE_MAX_OPEN_CONNS"     env-default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns"     env:"DATABASE_MAX_IDLE_CONNS"     env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"  env:"DATABASE_CONN_MAX_LIFETIME"  env-default:"1h"`
	TxTimeout       time.Duration `yaml:"tx_timeout"         env:"DATABASE_TX_TIMEOUT"         env-default:"5s"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"   env:"DATABASE_MIGRATE_ON_START"   env-default:"true"`
}

// RedisConfig holds the optional Redis connection used by the per-destination
// OTP limiter. An empty URL selects the in-memory limiter.
type RedisConfig struct {
	URL          string        `yaml:"url"            env:"REDIS_URL"`
	PoolSize     int           `yaml:"pool_size"      env:"REDIS_POOL_SIZE"      env-default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" env-default:"2"`
	DialTimeout  time.Duration `yaml:"dial_timeout"   env:"REDIS_DIAL_TIMEOUT"   env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout"   env:"REDIS_READ_TIMEOUT"   env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout"  env:"REDIS_WRITE_TIMEOUT"  env-default:"3s"`
}

// KafkaConfig holds the audit outbox relay settings. Empty brokers disable
// the relay.
type KafkaConfig struct {
	Brokers        string        `yaml:"brokers"         env:"KAFKA_BROKERS"`
	AuditTopic     string        `yaml:"audit_topic"     env:"KAFKA_AUDIT_TOPIC"     env-default:"kyc.audit"`
	Partitions     int32         `yaml:"partitions"      env:"KAFKA_PARTITIONS"      env-default:"3"`
	Replication    int16         `yaml:"replication"     env:"KAFKA_REPLICATION"     env-default:"1"`
	RelayInterval  time.Duration `yaml:"relay_interval"  env:"KAFKA_RELAY_INTERVAL"  env-default:"2s"`
	RelayBatchSize int           `yaml:"relay_batch"     env:"KAFKA_RELAY_BATCH"     env-default:"100"`
}

// ProcessorConfig tunes the document-processing worker.
type ProcessorConfig struct {
	Enabled           bool          `yaml:"enabled"            env:"KYC_PROCESSOR_ENABLED"            env-default:"true"`
	PollInterval      time.Duration `yaml:"poll_interval"      env:"KYC_PROCESSOR_POLL_INTERVAL"      env-default:"30s"`
	BatchSize         int           `yaml:"batch_size"         env:"KYC_PROCESSOR_BATCH_SIZE"         env-default:"10"`
	PoolSize          int           `yaml:"pool_size"          env:"KYC_PROCESSOR_POOL_SIZE"          env-default:"4"`
	ClaimLease        time.Duration `yaml:"claim_lease"        env:"KYC_PROCESSOR_CLAIM_LEASE"        env-default:"5m"`
	CapabilityTimeout time.Duration `yaml:"capability_timeout" env:"KYC_PROCESSOR_CAPABILITY_TIMEOUT" env-default:"30s"`
	RetryBudget       int           `yaml:"retry_budget"       env:"KYC_PROCESSOR_RETRY_BUDGET"       env-default:"3"`
	MinConfidence     float64       `yaml:"min_confidence"     env:"KYC_PROCESSOR_MIN_CONFIDENCE"     env-default:"0.5"`
	MaxDocumentBytes  int64         `yaml:"max_document_bytes" env:"KYC_PROCESSOR_MAX_DOCUMENT_BYTES" env-default:"10485760"`
	DocumentRoot      string        `yaml:"document_root"      env:"KYC_DOCUMENT_ROOT"                env-default:"./uploads"`
}

// OTPConfig tunes the one-time code challenge.
type OTPConfig struct {
	SendTimeout       time.Duration `yaml:"send_timeout"       env:"KYC_OTP_SEND_TIMEOUT"       env-default:"10s"`
	DestinationLimit  int           `yaml:"destination_limit"  env:"KYC_OTP_DESTINATION_LIMIT"  env-default:"10"`
	DestinationWindow time.Duration `yaml:"destination_window" env:"KYC_OTP_DESTINATION_WINDOW" env-default:"1h"`
}

// AuditConfig tunes the audit recorder's pending buffer.
type AuditConfig struct {
	BufferSize    int           `yaml:"buffer_size"    env:"KYC_AUDIT_BUFFER_SIZE"    env-default:"1024"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"KYC_AUDIT_FLUSH_INTERVAL" env-default:"5s"`
}

// SMTPConfig configures the email OTP sender. An empty host disables email
// delivery.
type SMTPConfig struct {
	Host     string         `yaml:"host"     env:"SMTP_HOST"`
	Port     int            `yaml:"port"     env:"SMTP_PORT"     env-default:"587"`
	Username string         `yaml:"username" env:"SMTP_USERNAME"`
	Password secrets.Secret `yaml:"password" env:"SMTP_PASSWORD"`
	From     string         `yaml:"from"     env:"SMTP_FROM"     env-default:"no-reply@kycgate.local"`
}

// SMSConfig configures the HTTP SMS gateway. An empty endpoint disables SMS
// delivery.
type SMSConfig struct {
	Endpoint string         `yaml:"endpoint" env:"SMS_GATEWAY_URL"`
	APIKey   secrets.Secret `yaml:"api_key"  env:"SMS_GATEWAY_API_KEY"`
	Sender   string         `yaml:"sender"   env:"SMS_SENDER"    env-default:"KYCGATE"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// BrokerList splits the comma-separated broker string.
func (k KafkaConfig) BrokerList() []string {
	return splitComma(k.Brokers)
}
