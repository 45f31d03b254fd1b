package events

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config selects and configures a Publisher.
type Config struct {
	Type         string   `mapstructure:"type"` // noop|kafka|redis
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	RedisURL     string   `mapstructure:"redis_url"`
	RedisStream  string   `mapstructure:"redis_stream"`
	RedisMaxLen  int64    `mapstructure:"redis_maxlen"`
}

// New builds the Publisher named by cfg.Type. Unknown or empty types fall back to noop.
func New(cfg Config, log *slog.Logger) (Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("events: kafka requires at least one broker")
		}
		log.Info("events publisher enabled", "type", "kafka", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaTopic)
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "redis":
		url := cfg.RedisURL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		maxLen := cfg.RedisMaxLen
		if maxLen == 0 {
			maxLen = 1000000
		}
		log.Info("events publisher enabled", "type", "redis", "stream", cfg.RedisStream)
		return NewRedis(url, cfg.RedisStream, maxLen)
	case "", "noop":
		return NewNoop(), nil
	default:
		log.Warn("unsupported events type; using noop", "type", cfg.Type)
		return NewNoop(), nil
	}
}
