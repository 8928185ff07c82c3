package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures everything the daemon reads from the environment so main
// stays lean.
type Config struct {
	Addr string

	// Chain boundary.
	RPCURL         string
	FactoryAddress string
	PollInterval   time.Duration
	ErrorBackoff   time.Duration

	// Judgment service boundary.
	JudgeEndpoint string
	JudgeAPIKey   string
	JudgeTimeout  time.Duration

	// Sandbox.
	PythonBin string

	// Notification boundary.
	TelegramBotToken  string
	TelegramUsersFile string
	FrontendBaseURL   string

	// Optional shared infrastructure.
	RedisURL     string
	KafkaBrokers string

	// Operator endpoints. Empty key disables admin auth (dev mode).
	AdminSigningKey string
}

// FromEnv builds a Config from environment variables with development defaults.
func FromEnv() Config {
	return Config{
		Addr:              getenv("HALE_ADDR", ":5001"),
		RPCURL:            getenv("ARC_RPC_URL", "https://rpc.testnet.arc.network"),
		FactoryAddress:    os.Getenv("FACTORY_CONTRACT_ADDRESS"),
		PollInterval:      duration("HALE_POLL_INTERVAL", 10*time.Second),
		ErrorBackoff:      duration("HALE_ERROR_BACKOFF", 10*time.Second),
		JudgeEndpoint:     getenv("JUDGE_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:generateContent"),
		JudgeAPIKey:       os.Getenv("GEMINI_API_KEY"),
		JudgeTimeout:      duration("JUDGE_TIMEOUT", 60*time.Second),
		PythonBin:         getenv("HALE_PYTHON_BIN", "python3"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramUsersFile: getenv("TELEGRAM_USERS_FILE", "telegram_users.json"),
		FrontendBaseURL:   getenv("FRONTEND_BASE_URL", "http://localhost:3002"),
		RedisURL:          os.Getenv("REDIS_URL"),
		KafkaBrokers:      os.Getenv("KAFKA_BROKERS"),
		AdminSigningKey:   os.Getenv("ADMIN_SIGNING_KEY"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
