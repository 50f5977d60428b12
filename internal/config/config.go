package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	BrokerKafka  = "kafka"
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

type Config struct {
	HTTPAddr   string
	InstanceID string
	DBPath     string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration

	// Broker selects the fan-out transport: kafka, redis or memory
	// (single-instance, no external broker).
	Broker string

	Kafka struct {
		Brokers      []string
		MessageTopic string
		EventTopic   string
		Group        string
	}

	Redis struct {
		URL            string
		MessageChannel string
		EventChannel   string
	}

	SendBuffer     int
	PublishTimeout time.Duration
	DedupWindow    int
}

func Load() Config {
	// .env is a development convenience; absent in production.
	_ = godotenv.Load()

	cfg := Config{}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.InstanceID = getEnv("INSTANCE_ID", "")
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	cfg.DBPath = getEnv("DB_PATH", "chatrelay.db")

	cfg.JWTSecret = getEnv("JWT_SECRET", "devsecret")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")
	cfg.JWTAudience = getEnv("JWT_AUDIENCE", "")
	cfg.JWTLeeway = durationEnv("JWT_LEEWAY", 5*time.Second)

	cfg.Broker = strings.ToLower(getEnv("BROKER", BrokerKafka))

	cfg.Kafka.Brokers = splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092"))
	cfg.Kafka.MessageTopic = getEnv("KAFKA_MESSAGE_TOPIC", "chat-messages")
	cfg.Kafka.EventTopic = getEnv("KAFKA_EVENT_TOPIC", "chat-events")
	cfg.Kafka.Group = getEnv("KAFKA_GROUP", "chatrelay")

	cfg.Redis.URL = getEnv("REDIS_URL", "redis://localhost:6379/0")
	cfg.Redis.MessageChannel = getEnv("REDIS_MESSAGE_CHANNEL", "chat:messages")
	cfg.Redis.EventChannel = getEnv("REDIS_EVENT_CHANNEL", "chat:events")

	cfg.SendBuffer = intEnv("SEND_BUFFER", 16)
	cfg.PublishTimeout = durationEnv("PUBLISH_TIMEOUT", 5*time.Second)
	cfg.DedupWindow = intEnv("DEDUP_WINDOW", 4096)

	return cfg
}

func getEnv(key, def string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	return value
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid duration for %s: %v, using default %s", key, err, def)
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("invalid value for %s: %q, using default %d", key, raw, def)
		return def
	}
	return n
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
