package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Domain             string // hostname the instance is reachable at, no scheme
	ListenAddr         string
	DatabaseHost       string // empty selects SQLite
	DatabasePort       string
	DatabaseUser       string
	DatabasePassword   string
	DatabaseName       string
	SQLitePath         string
	UserHandle         string
	UserPasswordBcrypt string
	ObjectStore        string // "s3" or "local"
	S3Region           string
	S3Bucket           string
	S3PublicBaseURL    string
	LocalFileBasePath  string
	LocalFileBaseURL   string
	LogLevel           string
}

// Load reads configuration from environment variables.
// Exits non-zero if required variables (DOMAIN) are missing.
func Load() *Config {
	domain := os.Getenv("DOMAIN")
	if domain == "" {
		fmt.Fprintln(os.Stderr, "ERROR: DOMAIN is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the hostname this instance is served at, e.g. social.example.com.")
		os.Exit(1)
	}
	domain = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://"), "/")

	cfg := &Config{
		Domain:             domain,
		ListenAddr:         getEnv("LISTEN_ADDR", "0.0.0.0:3000"),
		DatabaseHost:       os.Getenv("DATABASE_HOST"),
		DatabasePort:       getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:       os.Getenv("DATABASE_USER"),
		DatabasePassword:   os.Getenv("DATABASE_PASSWORD"),
		DatabaseName:       getEnv("DATABASE_DATABASE", "soloist"),
		SQLitePath:         getEnv("SQLITE_PATH", "soloist.db"),
		UserHandle:         getEnv("USER_HANDLE", "admin"),
		UserPasswordBcrypt: os.Getenv("USER_PASSWORD_BCRYPT"),
		ObjectStore:        getEnv("OBJECT_STORE", "local"),
		S3Region:           os.Getenv("S3_REGION"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:    os.Getenv("S3_PUBLIC_BASE_URL"),
		LocalFileBasePath:  getEnv("LOCAL_FILE_BASE_PATH", "files"),
		LocalFileBaseURL:   getEnv("LOCAL_FILE_BASE_URL", "https://"+domain+"/files"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	if cfg.ObjectStore == "s3" && (cfg.S3Bucket == "" || cfg.S3Region == "") {
		fmt.Fprintln(os.Stderr, "ERROR: OBJECT_STORE=s3 requires S3_REGION and S3_BUCKET.")
		os.Exit(1)
	}

	return cfg
}

// PostgresDSN builds the lib/pq connection string. Only meaningful when
// DatabaseHost is set; the store falls back to SQLite otherwise.
func (c *Config) PostgresDSN() string {
	parts := []string{
		"host=" + c.DatabaseHost,
		"port=" + c.DatabasePort,
		"dbname=" + c.DatabaseName,
		"sslmode=disable",
	}
	if c.DatabaseUser != "" {
		parts = append(parts, "user="+c.DatabaseUser)
	}
	if c.DatabasePassword != "" {
		parts = append(parts, "password="+c.DatabasePassword)
	}
	return strings.Join(parts, " ")
}

// BaseURL constructs an absolute https URL from a path.
func (c *Config) BaseURL(path string) string {
	return "https://" + c.Domain + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
