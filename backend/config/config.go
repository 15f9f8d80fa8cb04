package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presencettl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queuesize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxretry"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Cors struct {
		Enabled        bool     `mapstructure:"enabled"`
		AllowedOrigins []string `mapstructure:"allowedorigins"`
	} `mapstructure:"cors"`
	Collab struct {
		LockTTL           time.Duration     `mapstructure:"lockttl"`
		OperationLogCap   int               `mapstructure:"operationlogcap"`
		SweepInterval     time.Duration     `mapstructure:"sweepinterval"`
		AutosaveInterval  time.Duration     `mapstructure:"autosaveinterval"`
		SendQueueSize     int               `mapstructure:"sendqueuesize"`
		WriteTimeout      time.Duration     `mapstructure:"writetimeout"`
		MaxInflightOps    int               `mapstructure:"maxinflightops"`
		ConflictStrategy  string            `mapstructure:"conflictstrategy"`
		StrategyOverrides map[string]string `mapstructure:"strategyoverrides"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("redis.presencettl", 60*time.Second)
	v.SetDefault("kafka.topic", "encounter-collab-ops")
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxretry", 3)
	v.SetDefault("collab.lockttl", 10*time.Minute)
	v.SetDefault("collab.operationlogcap", 5000)
	v.SetDefault("collab.sweepinterval", 30*time.Second)
	v.SetDefault("collab.autosaveinterval", time.Duration(0))
	v.SetDefault("collab.sendqueuesize", 64)
	v.SetDefault("collab.writetimeout", 5*time.Second)
	v.SetDefault("collab.maxinflightops", 100)
	v.SetDefault("collab.conflictstrategy", "last_writer_wins")
}

// Load 读取 collabConfig.yaml；找不到文件时只用默认值与环境变量（COLLAB_KAFKA_TOPIC 之类）
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
