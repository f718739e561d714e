// Package config loads the verification service configuration from the environment.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// Storage backends selectable through STORAGE_BACKEND.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Config is the resolved service configuration. Client keys and the service account
// are materialized here so the rest of the service never parses secrets.
type Config struct {
	AppName     string
	Environment string
	HTTPAddr    string

	StorageBackend     string
	DatabaseURL        string
	FirestoreProjectID string
	AutoCreateTables   bool
	RedisURL           string

	ServiceAccountJSON []byte
	GoogleTimeout      time.Duration
	GoogleRetries      int

	Apps             map[string]goverify.AppConfig
	ClientKeys       map[string][]goverify.ClientKey
	RequireClientKey bool
	Pepper           string

	CacheTTL        time.Duration
	CacheMaxEntries int
	RateLimit       goverify.RateLimitConfig

	StoreRawResponse  bool
	TrustProxyHeaders bool
	MetricsNamespace  string
}

// IsDevelopment reports whether the service runs in a development environment.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case "development", "dev", "local":
		return true
	}
	return false
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse(os.Getenv)
}

// cacheTTL maps CACHE_TTL_MINUTES to goverify.Config.CacheTTL, where zero disables caching.
func cacheTTL(minutes int) time.Duration {
	if minutes <= 0 {
		return -1
	}
	return time.Duration(minutes) * time.Minute
}

// Parse builds a Config from an environment lookup function.
func Parse(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}

	cfg := &Config{
		AppName:            e.getString("APP_NAME", "goverify"),
		Environment:        e.getString("ENVIRONMENT", "production"),
		HTTPAddr:           e.getString("HTTP_ADDR", ""),
		StorageBackend:     strings.ToLower(e.getString("STORAGE_BACKEND", "")),
		DatabaseURL:        e.getString("DATABASE_URL", ""),
		FirestoreProjectID: e.getString("FIRESTORE_PROJECT_ID", ""),
		AutoCreateTables:   e.getBool("AUTO_CREATE_TABLES", false),
		RedisURL:           e.getString("REDIS_URL", ""),
		GoogleTimeout:      time.Duration(e.getInt("GOOGLE_TIMEOUT_SECONDS", 8)) * time.Second,
		GoogleRetries:      e.getInt("GOOGLE_RETRIES", 1),
		RequireClientKey:   e.getBool("REQUIRE_CLIENT_KEY", false),
		Pepper:             e.getString("PURCHASE_TOKEN_HASH_PEPPER", ""),
		CacheTTL:           cacheTTL(e.getInt("CACHE_TTL_MINUTES", 10)),
		CacheMaxEntries:    e.getInt("CACHE_MAX_ENTRIES", 10000),
		RateLimit: goverify.RateLimitConfig{
			IPLimit:    e.getInt("RATE_LIMIT_IP_PER_MINUTE", 60),
			UserLimit:  e.getInt("RATE_LIMIT_USER_PER_MINUTE", 30),
			TokenLimit: e.getInt("RATE_LIMIT_TOKEN_PER_MINUTE", 10),
			Window:     time.Minute,
			Algorithm:  e.getString("RATE_LIMIT_ALGORITHM", goverify.AlgorithmFixedWindow),
		},
		StoreRawResponse:  e.getBool("STORE_RAW_GOOGLE_RESPONSE", true),
		TrustProxyHeaders: e.getBool("TRUST_PROXY_HEADERS", false),
		MetricsNamespace:  e.getString("METRICS_NAMESPACE", "goverify"),
	}
	if e.err != nil {
		return nil, e.err
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":" + e.getString("PORT", "8080")
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.StorageBackend = BackendPostgres
		}
	}

	var err error
	if cfg.Apps, err = ParseAppRegistry(getenv("APP_REGISTRY_JSON")); err != nil {
		return nil, err
	}
	if cfg.ClientKeys, err = ParseClientKeys(getenv("CLIENT_KEYS_JSON")); err != nil {
		return nil, err
	}
	if cfg.ServiceAccountJSON, err = ResolveServiceAccount(getenv("GOOGLE_SERVICE_ACCOUNT_JSON")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Pepper == "" {
		return errors.New("config: PURCHASE_TOKEN_HASH_PEPPER is required")
	}
	if len(c.Apps) == 0 {
		return errors.New("config: APP_REGISTRY_JSON must configure at least one app")
	}
	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return errors.New("config: FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.GoogleTimeout <= 0 {
		return errors.New("config: GOOGLE_TIMEOUT_SECONDS must be positive")
	}
	if c.GoogleRetries < 0 {
		return errors.New("config: GOOGLE_RETRIES must not be negative")
	}
	return nil
}

type appEntry struct {
	PackageName     string   `json:"package_name"`
	SubscriptionIDs []string `json:"subscription_ids"`
	Subscriptions   []string `json:"subscriptions"`
}

// ParseAppRegistry parses APP_REGISTRY_JSON, an object of app ID to
// {"package_name", "subscription_ids"}. The older "subscriptions" key is accepted too.
func ParseAppRegistry(raw string) (map[string]goverify.AppConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var entries map[string]appEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("config: APP_REGISTRY_JSON: %w", err)
	}

	apps := make(map[string]goverify.AppConfig, len(entries))
	for appID, entry := range entries {
		appID = strings.TrimSpace(appID)
		pkg := strings.TrimSpace(entry.PackageName)
		if appID == "" || pkg == "" {
			return nil, fmt.Errorf("config: APP_REGISTRY_JSON: app %q needs a package_name", appID)
		}
		subs := entry.SubscriptionIDs
		if len(subs) == 0 {
			subs = entry.Subscriptions
		}
		apps[appID] = goverify.AppConfig{PackageName: pkg, SubscriptionIDs: trimAll(subs)}
	}
	return apps, nil
}

// ParseClientKeys parses CLIENT_KEYS_JSON, an object of app ID ("*" and "shared" included)
// to a key or a list of keys in sha256:, plain: or legacy form.
func ParseClientKeys(raw string) (map[string][]goverify.ClientKey, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("config: CLIENT_KEYS_JSON: %w", err)
	}

	keys := make(map[string][]goverify.ClientKey, len(entries))
	for appID, value := range entries {
		var list []string
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			list = []string{single}
		} else if err := json.Unmarshal(value, &list); err != nil {
			return nil, fmt.Errorf("config: CLIENT_KEYS_JSON: %q must be a string or a list of strings", appID)
		}

		for _, s := range list {
			if strings.TrimSpace(s) == "" {
				continue
			}
			key, err := goverify.ParseClientKey(s)
			if err != nil {
				// The key itself is secret; only name the app.
				return nil, fmt.Errorf("config: CLIENT_KEYS_JSON: invalid key for %q: %w", appID, err)
			}
			keys[strings.TrimSpace(appID)] = append(keys[strings.TrimSpace(appID)], key)
		}
	}
	return keys, nil
}

// ResolveServiceAccount accepts the service account as raw JSON, a file path, or base64-encoded JSON.
func ResolveServiceAccount(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "{") {
		return validServiceAccount([]byte(raw), "raw JSON")
	}
	if data, err := os.ReadFile(raw); err == nil {
		return validServiceAccount(data, "file")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: GOOGLE_SERVICE_ACCOUNT_JSON: read file: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.New("config: GOOGLE_SERVICE_ACCOUNT_JSON is neither JSON, an existing file, nor base64")
	}
	return validServiceAccount(decoded, "base64")
}

func validServiceAccount(data []byte, form string) ([]byte, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("config: GOOGLE_SERVICE_ACCOUNT_JSON (%s) is not valid JSON", form)
	}
	return data, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// env reads typed values and keeps the first parse error.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) getString(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n
}

func (e *env) getBool(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	return b
}
