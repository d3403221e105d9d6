package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// RegionHost is where dedicated servers for one region are reachable.
type RegionHost struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type Config struct {
	MatchmakingPort int
	HandshakePort   int
	MetricsPort     int
	LogLevel        string

	Secret     string
	AdminToken string
	GamePort   int

	PollInterval  time.Duration
	ReadyTimeout  time.Duration
	CacheTTL      time.Duration
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
	SoloFallback  bool

	RegistryBackend string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DatabaseURL     string

	Hoster          string
	Regions         map[string]RegionHost
	AgonesFleets    map[string]string
	TargetNamespace string

	GoogleProjectID    string
	CredentialsFile    string
	NotifyTopic        string
	StatusSubscription string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found; reading environment directly")
	}

	cfg := &Config{
		MatchmakingPort: getEnvInt("MM_MATCHMAKING_PORT", 8787),
		HandshakePort:   getEnvInt("MM_HANDSHAKE_PORT", 8788),
		MetricsPort:     getEnvInt("MM_METRICS_PORT", 8080),
		LogLevel:        strings.TrimSpace(getEnv("MM_LOG_LEVEL", "info")),

		Secret:     getEnv("MM_SECRET", ""),
		AdminToken: strings.TrimSpace(getEnv("MM_ADMIN_TOKEN", "")),
		GamePort:   getEnvInt("MM_GAME_PORT", 7777),

		PollInterval:  getEnvDuration("MM_POLL_INTERVAL", 2*time.Second),
		ReadyTimeout:  getEnvDuration("MM_READY_TIMEOUT", 10*time.Minute),
		CacheTTL:      getEnvDuration("MM_CACHE_TTL", 3*time.Minute),
		SweepInterval: getEnvDuration("MM_SWEEP_INTERVAL", time.Minute),
		SweepMaxAge:   getEnvDuration("MM_SWEEP_MAX_AGE", 30*time.Minute),
		SoloFallback:  getEnvBool("MM_SOLO_FALLBACK", true),

		RegistryBackend: strings.ToLower(strings.TrimSpace(getEnv("MM_REGISTRY_BACKEND", "redis"))),
		RedisAddr:       strings.TrimSpace(getEnv("MM_REDIS_ADDR", "localhost:6379")),
		RedisPassword:   getEnv("MM_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("MM_REDIS_DB", 0),
		DatabaseURL:     strings.TrimSpace(getEnv("DATABASE_URL", "")),

		Hoster:          strings.ToLower(strings.TrimSpace(getEnv("MM_HOSTER", "static"))),
		TargetNamespace: strings.TrimSpace(getEnv("TARGET_NAMESPACE", "default")),

		CredentialsFile:    strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("MM_GSA_CREDENTIALS"))),
		GoogleProjectID:    strings.TrimSpace(firstNonEmpty(os.Getenv("MM_PUBSUB_PROJECT_ID"), os.Getenv("GOOGLE_PROJECT_ID"), os.Getenv("GOOGLE_CLOUD_PROJECT"))),
		NotifyTopic:        strings.TrimSpace(getEnv("MM_NOTIFY_TOPIC", "")),
		StatusSubscription: strings.TrimSpace(getEnv("MM_STATUS_SUBSCRIPTION", "")),
	}

	regions, err := loadRegions(os.Getenv("MM_REGIONS"), os.Getenv("MM_REGIONS_FILE"))
	if err != nil {
		log.Warn().Err(err).Msg("region hosting table unreadable; every region will be unhosted")
	}
	cfg.Regions = regions

	fleets := map[string]string{}
	if raw := strings.TrimSpace(os.Getenv("MM_AGONES_FLEETS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fleets); err != nil {
			log.Warn().Err(err).Msg("MM_AGONES_FLEETS is not a JSON object of region to fleet")
		}
	}
	cfg.AgonesFleets = fleets

	if cfg.Secret == "" {
		log.Warn().Msg("shared secret not set; set MM_SECRET")
	}
	return cfg
}

func (c *Config) MatchmakingAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MatchmakingPort))
}

func (c *Config) HandshakeAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HandshakePort))
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	regions := make([]string, 0, len(c.Regions))
	for r := range c.Regions {
		regions = append(regions, r)
	}
	return map[string]any{
		"matchmakingPort":     c.MatchmakingPort,
		"handshakePort":       c.HandshakePort,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"gamePort":            c.GamePort,
		"pollInterval":        c.PollInterval.String(),
		"readyTimeout":        c.ReadyTimeout.String(),
		"registryBackend":     c.RegistryBackend,
		"hoster":              c.Hoster,
		"regions":             len(regions),
		"secretProvided":      c.Secret != "",
		"adminTokenProvided":  c.AdminToken != "",
		"databaseProvided":    c.DatabaseURL != "",
		"projectID":           c.GoogleProjectID,
		"notifyTopic":         c.NotifyTopic,
		"statusSubscription":  c.StatusSubscription,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func loadRegions(inline, path string) (map[string]RegionHost, error) {
	regions := map[string]RegionHost{}
	raw := strings.TrimSpace(inline)
	if raw == "" && strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return regions, err
		}
		raw = string(b)
	}
	if raw == "" {
		return regions, nil
	}
	if err := json.Unmarshal([]byte(raw), &regions); err != nil {
		return map[string]RegionHost{}, err
	}
	for name, h := range regions {
		if h.Address == "" || h.Port <= 0 {
			delete(regions, name)
			log.Warn().Str("region", name).Msg("dropping region with missing address/port")
		}
	}
	return regions, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		fmt.Printf("invalid int for %s: %s\n", key, v)
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		bv, err := strconv.ParseBool(v)
		if err == nil {
			return bv
		}
		fmt.Printf("invalid bool for %s: %s\n", key, v)
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
		fmt.Printf("invalid duration for %s: %s\n", key, v)
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
