package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lowband-classroom/backend/internal/connection"
	"github.com/lowband-classroom/backend/internal/eventlog"
	"github.com/lowband-classroom/backend/internal/models"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Classroom ClassroomConfig
	Client    ClientConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	LogLevel           string
}

// DatabaseConfig holds PostgreSQL settings. An empty URL keeps recordings in memory.
type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

// RedisConfig holds Redis settings. An empty Addr disables the event mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the recordings bucket. An empty bucket disables
// presigned playback URLs.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// ClassroomConfig holds room and event log settings.
type ClassroomConfig struct {
	RetainFor        time.Duration
	RetainMinEvents  int
	RetainMaxEvents  int
	SubscriberBuffer int
	DisconnectGrace  time.Duration
	MaxPollWait      time.Duration
	VotePolicy       models.VotePolicy
}

// ClientConfig holds settings of the classroom client.
type ClientConfig struct {
	ServerURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectFixed    bool
	Transports        []string
	PollWait          time.Duration
}

// LogOptions returns the event log options for every room.
func (c ClassroomConfig) LogOptions() eventlog.Options {
	return eventlog.Options{
		RetainFor:        c.RetainFor,
		MinEvents:        c.RetainMinEvents,
		MaxEvents:        c.RetainMaxEvents,
		SubscriberBuffer: c.SubscriberBuffer,
	}
}

// ReconnectOptions returns the connection manager's retry settings. Dialers are added by
// the caller.
func (c ClientConfig) ReconnectOptions() connection.Options {
	return connection.Options{
		MaxAttempts:  c.ReconnectAttempts,
		InitialDelay: c.ReconnectDelay,
		MaxDelay:     c.ReconnectMaxDelay,
		Fixed:        c.ReconnectFixed,
	}
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	var errs []string
	duration := func(key string, fallback time.Duration) time.Duration {
		d, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	policy, ok := models.ParseVotePolicy(getEnv("POLL_VOTE_POLICY", string(models.LastVoteWins)))
	if !ok {
		errs = append(errs, fmt.Sprintf("POLL_VOTE_POLICY: unknown policy %q", os.Getenv("POLL_VOTE_POLICY")))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DATABASE_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Classroom: ClassroomConfig{
			RetainFor:        duration("CLASSROOM_RETAIN_FOR", eventlog.DefaultRetainFor),
			RetainMinEvents:  getEnvInt("CLASSROOM_RETAIN_MIN_EVENTS", eventlog.DefaultMinEvents),
			RetainMaxEvents:  getEnvInt("CLASSROOM_RETAIN_MAX_EVENTS", eventlog.DefaultMaxEvents),
			SubscriberBuffer: getEnvInt("CLASSROOM_SUBSCRIBER_BUFFER", eventlog.DefaultSubscriberBuffer),
			DisconnectGrace:  duration("CLASSROOM_DISCONNECT_GRACE", 10*time.Second),
			MaxPollWait:      duration("CLASSROOM_MAX_POLL_WAIT", 25*time.Second),
			VotePolicy:       policy,
		},
		Client: ClientConfig{
			ServerURL:         getEnv("CLIENT_SERVER_URL", "http://localhost:8080"),
			ReconnectAttempts: getEnvInt("CLIENT_RECONNECT_ATTEMPTS", connection.DefaultMaxAttempts),
			ReconnectDelay:    duration("CLIENT_RECONNECT_DELAY", connection.DefaultInitialDelay),
			ReconnectMaxDelay: duration("CLIENT_RECONNECT_MAX_DELAY", connection.DefaultMaxDelay),
			ReconnectFixed:    getEnvBool("CLIENT_RECONNECT_FIXED", false),
			Transports:        splitTrim(getEnv("CLIENT_TRANSPORTS", "websocket,polling"), ","),
			PollWait:          duration("CLIENT_POLL_WAIT", connection.DefaultPollWait),
		},
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks settings that depend on each other. The event log must retain events
// for longer than a client can spend reconnecting, or replay after a reconnect would
// always fall back to a snapshot. A held long-poll must also answer before the server's
// write deadline cuts it off.
func (c *Config) Validate() error {
	if c.Classroom.RetainMaxEvents > 0 && c.Classroom.RetainMinEvents > c.Classroom.RetainMaxEvents {
		return fmt.Errorf("CLASSROOM_RETAIN_MIN_EVENTS (%d) exceeds CLASSROOM_RETAIN_MAX_EVENTS (%d)",
			c.Classroom.RetainMinEvents, c.Classroom.RetainMaxEvents)
	}
	opts := c.Client.ReconnectOptions()
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = connection.DefaultMaxDelay
	}
	need := connection.ReconnectWindow(opts) + maxDelay
	if c.Classroom.RetainFor < need {
		return fmt.Errorf("CLASSROOM_RETAIN_FOR (%s) is shorter than the client reconnect window plus one retry (%s)",
			c.Classroom.RetainFor, need)
	}
	if c.Server.WriteTimeout > 0 && c.Classroom.MaxPollWait >= time.Duration(c.Server.WriteTimeout)*time.Second {
		return fmt.Errorf("CLASSROOM_MAX_POLL_WAIT (%s) must be shorter than WRITE_TIMEOUT_SEC (%ds)",
			c.Classroom.MaxPollWait, c.Server.WriteTimeout)
	}
	for _, t := range c.Client.Transports {
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("CLIENT_TRANSPORTS: unknown transport %q", t)
		}
	}
	if len(c.Client.Transports) == 0 {
		return fmt.Errorf("CLIENT_TRANSPORTS: at least one transport is required")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
