package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Primary remote resolver (fast metadata/stream backend), optional.
	APIURL string
	// Piped instance pool for the secondary resolver tier.
	PipedInstances []string
	// Cobalt instance pool for the tertiary stream-proxy tier.
	CobaltInstances []string
	// Flat directory holding downloaded media, keyed {video_id}.{ext}.
	CacheDir string
	// Sqlite key-value store path.
	DatabasePath string
	// Chat id that receives status/error messages for sessions not opened
	// from within a chat.
	LogChannel int64
	// Optional yt-dlp authentication cookies file.
	CookiesFile string
	// Optional bind address handed to yt-dlp (--source-address).
	SourceAddress string
	// Short placeholder stream played right after joining a call, so the
	// call endpoint is connectable before real content is resolved.
	PlaceholderURL string
	Silent         bool
}

// Validate ensures the configuration is valid and meets requirements.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR must not be empty")
	}
	for _, inst := range append(append([]string(nil), c.PipedInstances...), c.CobaltInstances...) {
		if !strings.HasPrefix(inst, "http://") && !strings.HasPrefix(inst, "https://") {
			return fmt.Errorf("invalid instance URL: %q", inst)
		}
	}
	return nil
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(".", "vcbot.db")
	}

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = filepath.Join("vcbot", "downloads")
	}

	placeholder := os.Getenv("PLACEHOLDER_URL")
	if placeholder == "" {
		placeholder = "http://docs.evostream.com/sample_content/assets/sintel1m720p.mp4" // Fallback
	}

	logChannel, _ := strconv.ParseInt(os.Getenv("LOG_CHANNEL"), 10, 64)
	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	cfg := &Config{
		APIURL:          normalizeBaseURL(os.Getenv("API_URL")),
		PipedInstances:  splitInstances(os.Getenv("PIPED_INSTANCES")),
		CobaltInstances: splitInstances(os.Getenv("COBALT_INSTANCES")),
		CacheDir:        cacheDir,
		DatabasePath:    fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		LogChannel:      logChannel,
		CookiesFile:     os.Getenv("COOKIES_FILE"),
		SourceAddress:   os.Getenv("SOURCE_ADDRESS"),
		PlaceholderURL:  placeholder,
		Silent:          silent,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	return cfg, nil
}

// ResolveAPIURL returns the backend base URL, preferring the database
// override over the environment value.
func (c *Config) ResolveAPIURL() string {
	if DB != nil {
		if v, err := GetKey("API_URL"); err == nil && v != "" {
			return normalizeBaseURL(v)
		}
	}
	return c.APIURL
}

func splitInstances(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(p), "/"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeBaseURL(u string) string {
	u = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(u), "/"))
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http") {
		u = "http://" + u
	}
	return u
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "vcbot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
