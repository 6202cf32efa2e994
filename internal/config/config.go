package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Config holds runtime configuration values for the Fernwiki RPC server.
type Config struct {
	DBPath         string
	MediaDir       string
	ServerPort     int
	LogLevel       string
	SentryDSN      string
	Environment    string
	ShutdownGrace  time.Duration
	StartPage      string
	PageTemplate   string
	RecentPageSize int
	BlockedWords   []string
	CreatedSummary string
	DeletedSummary string
	RateLimit      RateLimit
}

// RateLimit configures the transport token-bucket limiter.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
	ClientTTL         time.Duration
}

const (
	defaultDBPath         = "./data/fernwiki.db"
	defaultMediaDir       = "./data/media"
	defaultServerPort     = 8080
	defaultLogLevel       = "info"
	defaultShutdownGrace  = 10 * time.Second
	defaultStartPage      = "start"
	defaultRecentPageSize = 20
	defaultCreatedSummary = "created"
	defaultDeletedSummary = "removed"
	defaultRateRPS        = 25.0
	defaultRateBurst      = 50
	defaultRateTTL        = 5 * time.Minute
)

// Load reads configuration values from environment variables, applying defaults where necessary.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:         getEnv("DB_PATH", defaultDBPath),
		MediaDir:       getEnv("MEDIA_DIR", defaultMediaDir),
		LogLevel:       getEnv("LOG_LEVEL", defaultLogLevel),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		Environment:    os.Getenv("ENV"),
		ShutdownGrace:  defaultShutdownGrace,
		StartPage:      getEnv("START_PAGE", defaultStartPage),
		PageTemplate:   os.Getenv("PAGE_TEMPLATE"),
		CreatedSummary: getEnv("SUMMARY_CREATED", defaultCreatedSummary),
		DeletedSummary: getEnv("SUMMARY_DELETED", defaultDeletedSummary),
		RateLimit: RateLimit{
			RequestsPerSecond: defaultRateRPS,
			Burst:             defaultRateBurst,
			ClientTTL:         defaultRateTTL,
		},
	}

	if wordsJSON := os.Getenv("BLOCKED_WORDS"); wordsJSON != "" {
		words, err := parseWords(wordsJSON)
		if err != nil {
			return nil, eris.Wrap(err, "parsing BLOCKED_WORDS")
		}
		cfg.BlockedWords = words
	}

	portValue := getEnv("SERVER_PORT", strconv.Itoa(defaultServerPort))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid SERVER_PORT value: %s", portValue)
	}
	cfg.ServerPort = port

	sizeValue := getEnv("RECENT_PAGE_SIZE", strconv.Itoa(defaultRecentPageSize))
	size, err := strconv.Atoi(sizeValue)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid RECENT_PAGE_SIZE value: %s", sizeValue)
	}
	if size <= 0 {
		return nil, eris.Errorf("RECENT_PAGE_SIZE must be positive, got %d", size)
	}
	cfg.RecentPageSize = size

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseWords(raw string) ([]string, error) {
	// Accept either a JSON array of strings or an object with a `words` field.
	var arrayInput []string
	if err := json.Unmarshal([]byte(raw), &arrayInput); err == nil {
		return arrayInput, nil
	}

	var objectInput struct {
		Words []string `json:"words"`
	}
	if err := json.Unmarshal([]byte(raw), &objectInput); err != nil {
		return nil, eris.Wrap(err, "decoding JSON")
	}

	if len(objectInput.Words) == 0 {
		return nil, eris.New("words list is empty")
	}

	return objectInput.Words, nil
}
