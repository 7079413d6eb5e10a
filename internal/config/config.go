package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	ConfigFile string
	FFmpegPath string
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string

	BufferSize      int
	MinTransferSize int
	MaxTransferSize int
	MinProbeSize    int
	MaxProbeSize    int
	ProbeCatchUp    int
	MaxAnalyze      time.Duration

	UploadPort     int
	OfflineTimeout time.Duration
	ScanDelay      time.Duration
	MaxRecordings  int

	// File is the parsed CONFIG_FILE, or an empty File when none is set.
	File *File
}

// Load reads the environment and, when CONFIG_FILE is set, the YAML file
// it names.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		ConfigFile: getEnv("CONFIG_FILE", ""),
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		APIKey:     getEnv("API_KEY", ""),

		BufferSize:      getEnvInt("BUFFER_SIZE", 7*1024*1024),
		MinTransferSize: getEnvInt("MIN_TRANSFER_SIZE", 65536),
		MaxTransferSize: getEnvInt("MAX_TRANSFER_SIZE", 1048476),
		MinProbeSize:    getEnvInt("MIN_PROBE_SIZE", 188*1024),
		MaxProbeSize:    getEnvInt("MAX_PROBE_SIZE", 5*1024*1024),
		ProbeCatchUp:    getEnvInt("PROBE_CATCHUP", 1024*1024),
		MaxAnalyze:      getEnvDuration("MAX_ANALYZE", 10*time.Second),

		UploadPort:     getEnvInt("UPLOAD_PORT", 7818),
		OfflineTimeout: getEnvDuration("OFFLINE_TIMEOUT", 8*time.Second),
		ScanDelay:      getEnvDuration("SCAN_DELAY", 500*time.Millisecond),
		MaxRecordings:  getEnvInt("MAX_RECORDINGS", 8),

		File: &File{},
	}

	if cfg.ConfigFile != "" {
		f, err := ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.File = f
	}
	if cfg.MaxRecordings <= 0 {
		return nil, fmt.Errorf("MAX_RECORDINGS must be positive, got %d", cfg.MaxRecordings)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings or a bare number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
