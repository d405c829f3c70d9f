package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration, read from the environment.
type Config struct {
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration

	// Connection manager
	MaxConnections    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	QueueSize         int
	QueueRetention    time.Duration
	CleanupInterval   time.Duration
	RateLimitWindow   time.Duration
	RateLimitMax      int

	// Sessions
	EnableAuth           bool
	EnableReconnect      bool
	ReconnectTimeout     time.Duration
	MaxReconnectAttempts int

	// Audio
	AudioBufferDurationMs int
	AudioChunkDurationMs  int
	AudioSampleRate       int
	AudioChannels         int
	VADEnergyThreshold    float64
	VADZCRThreshold       float64
	StreamIdleTimeout     time.Duration

	// Auth
	JWTSecret  string
	JWTIssuer  string
	TokenTTL   time.Duration
	APIKeyHash string

	// Infrastructure, all optional
	RedisURL    string
	MongoURI    string
	MongoDB     string
	PostgresURI string

	KafkaBrokers       []string
	KafkaTopicSegments string
	KafkaTopicReplies  string
	KafkaPrincipal     string

	GCPProject   string
	GCPLocation  string
	LLMModel     string
	STTLanguage  string
	GCSBucket    string
	WorkerLimit  int
	WorkerLaneSz int
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:            envOrDefault("PORT", "8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		MaxConnections:    envInt("MAX_CONNECTIONS", 1000),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		WriteTimeout:      envDuration("WRITE_TIMEOUT", 10*time.Second),
		QueueSize:         envInt("QUEUE_SIZE", 100),
		QueueRetention:    envDuration("QUEUE_RETENTION", 5*time.Minute),
		CleanupInterval:   envDuration("CLEANUP_INTERVAL", time.Minute),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		RateLimitMax:      envInt("RATE_LIMIT_MAX_MESSAGES", 1000),

		EnableAuth:           envBool("ENABLE_AUTH", true),
		EnableReconnect:      envBool("ENABLE_RECONNECT", true),
		ReconnectTimeout:     envDuration("RECONNECT_TIMEOUT", 60*time.Second),
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 5),

		AudioBufferDurationMs: envInt("AUDIO_BUFFER_DURATION_MS", 3000),
		AudioChunkDurationMs:  envInt("AUDIO_CHUNK_DURATION_MS", 100),
		AudioSampleRate:       envInt("AUDIO_SAMPLE_RATE", 16000),
		AudioChannels:         envInt("AUDIO_CHANNELS", 1),
		VADEnergyThreshold:    envFloat("AUDIO_VAD_ENERGY_THRESHOLD", 0.01),
		VADZCRThreshold:       envFloat("AUDIO_VAD_ZCR_THRESHOLD", 0.1),
		StreamIdleTimeout:     envDuration("AUDIO_STREAM_IDLE_TIMEOUT", 5*time.Minute),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		JWTIssuer:  envOrDefault("JWT_ISSUER", "callguard"),
		TokenTTL:   envDuration("TOKEN_TTL", time.Hour),
		APIKeyHash: os.Getenv("AUTH_API_KEY_HASH"),

		RedisURL:    firstEnv("REDIS_ADDR", "REDIS_URI", "REDIS_URL"),
		MongoURI:    os.Getenv("MONGO_URI"),
		MongoDB:     envOrDefault("MONGO_DB", "callguard"),
		PostgresURI: os.Getenv("POSTGRES_URI"),

		KafkaBrokers:       envList("KAFKA_BROKERS"),
		KafkaTopicSegments: envOrDefault("KAFKA_TOPIC_SEGMENTS", "call.segments"),
		KafkaTopicReplies:  envOrDefault("KAFKA_TOPIC_REPLIES", "call.replies"),
		KafkaPrincipal:     envOrDefault("SERVICE_PRINCIPAL", "svc-callguard"),

		GCPProject:   os.Getenv("GCP_PROJECT"),
		GCPLocation:  envOrDefault("GCP_LOCATION", "us-central1"),
		LLMModel:     envOrDefault("LLM_MODEL", "gemini-1.5-flash"),
		STTLanguage:  envOrDefault("STT_LANGUAGE", "en-US"),
		GCSBucket:    os.Getenv("GCS_BUCKET"),
		WorkerLimit:  envInt("PIPELINE_MAX_CONCURRENT", 8),
		WorkerLaneSz: envInt("PIPELINE_LANE_SIZE", 64),
	}
	c.HeartbeatTimeout = envDuration("HEARTBEAT_TIMEOUT", 2*c.HeartbeatInterval)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must be > 0"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be > 0"))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, errors.New("HEARTBEAT_TIMEOUT must be greater than HEARTBEAT_INTERVAL"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("QUEUE_SIZE must be > 0"))
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_MS and RATE_LIMIT_MAX_MESSAGES must be > 0"))
	}
	if c.ReconnectTimeout <= 0 {
		errs = append(errs, errors.New("RECONNECT_TIMEOUT must be > 0"))
	}
	if c.AudioBufferDurationMs <= 0 || c.AudioChunkDurationMs <= 0 {
		errs = append(errs, errors.New("AUDIO_BUFFER_DURATION_MS and AUDIO_CHUNK_DURATION_MS must be > 0"))
	}
	if c.VADEnergyThreshold <= 0 || c.VADZCRThreshold <= 0 {
		errs = append(errs, errors.New("VAD thresholds must be > 0"))
	}
	if c.EnableAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required when ENABLE_AUTH=true"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration accepts Go duration strings ("30s") or bare milliseconds ("30000").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) String() string {
	return fmt.Sprintf("port=%s auth=%v reconnect=%v max_conns=%d", c.Port, c.EnableAuth, c.EnableReconnect, c.MaxConnections)
}
