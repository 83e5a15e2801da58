package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all chispa runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	Secret          string `json:"secret"`
	RedisURL        string `json:"redis_url"`
	PoolSize        int    `json:"pool_size"`
	TaskParallelism int    `json:"task_parallelism"`
	ExecImage       string `json:"exec_image"`
	WorkspaceBase   string `json:"workspace_base"`
	InteractiveDir  string `json:"interactive_dir"`

	S3Endpoint  string `json:"s3_endpoint"`
	S3AccessKey string `json:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key"`
	S3Bucket    string `json:"s3_bucket"`
	S3Region    string `json:"s3_region"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":8540",
		DBPath:     filepath.Join(chispaDir(), "chispa.db"),
		LogLevel:   "info",
		Secret:     "chispa-dev-secret",
		PoolSize:   4,
	}
}

func chispaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chispa"
	}
	return filepath.Join(home, ".chispa")
}

func settingsPath() string {
	return filepath.Join(chispaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CHISPA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHISPA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHISPA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHISPA_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("CHISPA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CHISPA_TASK_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskParallelism = n
		}
	}
	if v := os.Getenv("CHISPA_EXEC_IMAGE"); v != "" {
		cfg.ExecImage = v
	}
	if v := os.Getenv("CHISPA_WORKSPACE_BASE"); v != "" {
		cfg.WorkspaceBase = v
	}
	if v := os.Getenv("CHISPA_INTERACTIVE_DIR"); v != "" {
		cfg.InteractiveDir = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = v
	}

	return cfg
}
