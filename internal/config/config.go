package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	FanoutTopic    string // NSQ topic for fan-out jobs
	DLQTopic       string // Dead letter queue topic
	WorkerChannel  string // NSQ channel name for workers
	MaxInFlight    int
}

type Dispatch struct {
	RequestTimeout  time.Duration // per-endpoint attempt timeout
	SignatureHeader string        // HTTP header carrying the payload HMAC
	MaxDrainBytes   int64         // response bytes read before closing
}

type HealthCache struct {
	Capacity      int           // max distinct endpoints tracked
	TTL           time.Duration // entry lifetime from first failure
	Threshold     int           // failures before an endpoint is skipped
	SweepInterval time.Duration // janitor interval for expired entries
}

type Worker struct {
	MaxAttempts     int             // Maximum fan-out attempts per job
	BackoffSchedule []time.Duration // Retry backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	PublishDLQ      bool            // Whether to publish dead jobs to the DLQ topic
	HTTPPort        string          // Worker HTTP metrics port
	BacklogInterval time.Duration   // nsqd stats polling interval
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for webhook signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	LogLevel     string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	OTLPEndpoint string
	DB           DB
	NSQ          NSQ
	Dispatch     Dispatch
	HealthCache  HealthCache
	Worker       Worker
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultBackoff() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		if d, err := time.ParseDuration(strings.TrimSpace(part)); err == nil && d > 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return defaultBackoff()
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "harborfanout"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		GRPCPort:     getenv("GRPC_PORT", ":50051"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborfanout"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			FanoutTopic:    getenv("NSQ_FANOUT_TOPIC", "fanout"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "fanout_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 200),
		},
		Dispatch: Dispatch{
			RequestTimeout:  getenvDuration("DISPATCH_REQUEST_TIMEOUT", 10*time.Second),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Signature"),
			MaxDrainBytes:   getenvInt64("DISPATCH_MAX_DRAIN_BYTES", 1<<20),
		},
		HealthCache: HealthCache{
			Capacity:      getenvInt("HEALTH_CACHE_CAPACITY", 10000),
			TTL:           getenvDuration("HEALTH_CACHE_TTL", 3*time.Minute),
			Threshold:     getenvInt("HEALTH_CACHE_THRESHOLD", 25),
			SweepInterval: getenvDuration("HEALTH_CACHE_SWEEP_INTERVAL", 30*time.Second),
		},
		Worker: Worker{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:        ":" + strings.TrimPrefix(getenv("WORKER_HTTP_PORT", "8082"), ":"),
			BacklogInterval: getenvDuration("BACKLOG_POLL_INTERVAL", 15*time.Second),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "harborfanout"),
			Audience:     getenv("JWT_AUDIENCE", "harborfanout-ingest"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
