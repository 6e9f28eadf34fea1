package global

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the env-driven configuration for one realtime node. Defaults are
// production values; tests construct Config directly.
type Config struct {
	GatewayID     string // node id, participates in fabric key naming
	SnowflakeNode int64
	HTTPAddr      string

	// websocket / connection registry
	WSReadBuffer  int
	WSWriteBuffer int
	SendQueueSize int           // bounded per-connection outbound queue
	UnauthTTL     time.Duration // grace period to authenticate after upgrade
	AuthTTL       time.Duration // heartbeat-renewed TTL for authorized conns
	SweepEvery    time.Duration
	MaxPerUser    int // max simultaneous connections per user (<=0 unlimited)

	// presence
	PresenceTTL      time.Duration // fabric conn-set TTL, renewed on heartbeat
	PresenceDebounce time.Duration // hold-down before an offline broadcast
	TypingTTL        time.Duration

	// calls / huddles
	CallRingTimeout   time.Duration
	CallArchiveAfter  time.Duration // keep terminal calls around before drop
	HuddleCapacity    int
	HuddleChatPersist bool // policy: persist in-room huddle chat

	// store-and-forward
	OfflineQueueTTL   time.Duration
	OfflineSweepEvery time.Duration
	OfflineAckTimeout time.Duration

	// collaborators
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MongoURI      string
	MongoDatabase string
	NatsServers   []string
	KafkaBrokers  []string

	// auth (verification only; tokens are issued by auth-service)
	JWTSecret string
	JWTIssuer string
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	return Config{
		GatewayID:     envStr("GATEWAY_ID", "rt-1"),
		SnowflakeNode: int64(envInt("SNOWFLAKE_NODE", 1)),
		HTTPAddr:      envStr("HTTP_ADDR", ":8086"),

		WSReadBuffer:  envInt("WS_READ_BUFFER", 4096),
		WSWriteBuffer: envInt("WS_WRITE_BUFFER", 4096),
		SendQueueSize: envInt("SEND_QUEUE_SIZE", 256),
		UnauthTTL:     envDur("UNAUTH_TTL", 30*time.Second),
		AuthTTL:       envDur("AUTH_TTL", 2*time.Hour),
		SweepEvery:    envDur("SWEEP_EVERY", 10*time.Second),
		MaxPerUser:    envInt("MAX_CONNS_PER_USER", 8),

		PresenceTTL:      envDur("PRESENCE_TTL", 60*time.Second),
		PresenceDebounce: envDur("PRESENCE_DEBOUNCE", 3*time.Second),
		TypingTTL:        envDur("TYPING_TTL", 5*time.Second),

		CallRingTimeout:   envDur("CALL_RING_TIMEOUT", 60*time.Second),
		CallArchiveAfter:  envDur("CALL_ARCHIVE_AFTER", 5*time.Minute),
		HuddleCapacity:    envInt("HUDDLE_CAPACITY", 50),
		HuddleChatPersist: envBool("HUDDLE_CHAT_PERSIST", false),

		OfflineQueueTTL:   envDur("OFFLINE_QUEUE_TTL", 7*24*time.Hour),
		OfflineSweepEvery: envDur("OFFLINE_SWEEP_EVERY", time.Minute),
		OfflineAckTimeout: envDur("OFFLINE_ACK_TIMEOUT", 30*time.Second),

		RedisAddr:     envStr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		MongoURI:      envStr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envStr("MONGO_DATABASE", "quckapp_realtime"),
		NatsServers:   envList("NATS_SERVERS", "nats://127.0.0.1:4222"),
		KafkaBrokers:  envList("KAFKA_BROKERS", "localhost:9092"),

		JWTSecret: envStr("JWT_SECRET", ""),
		JWTIssuer: envStr("JWT_ISSUER", "quckapp-auth"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key, def string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
