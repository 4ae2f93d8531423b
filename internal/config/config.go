package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database (empty = in-memory store, dev mode)
	DatabaseURL string

	// Redis backs the poll queue and the sweep scheduler
	RedisURL string

	// Provider selects the video renderer: replicate, xai or veo
	Provider          string
	ReplicateToken    string
	ReplicateBaseURL  string
	ReplicateModel    string
	XAIAPIKey         string
	GeminiKey         string
	VeoModel          string
	ProviderRateLimit float64 // requests per second against the provider API

	// Storage selects the mirror destination: supabase, minio or gcs
	StorageBackend        string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	MinioEndpoint         string
	MinioAccessKey        string
	MinioSecretKey        string
	MinioBucket           string
	MinioUseSSL           bool
	MinioPublicURL        string
	GCSBucket             string

	// OpenAI (optional scene planner)
	OpenAIKey string

	// Worker
	MaxConcurrentJobs int

	Polling PollingConfig
	Compose ComposeConfig
	Sweep   SweepConfig
}

// PollingConfig controls the background continuation for each scene job.
type PollingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ComposeConfig struct {
	Resolution      string `yaml:"resolution"`
	FPS             int    `yaml:"fps"`
	MinSegmentBytes int64  `yaml:"min_segment_bytes"`
	SubtitleLineCap int    `yaml:"subtitle_line_cap"`
	WorkDir         string `yaml:"work_dir"`
}

type SweepConfig struct {
	Secret   string `yaml:"-"`
	Schedule string `yaml:"schedule"`
	Enabled  bool   `yaml:"enabled"`
}

// fileOverlay is the optional YAML file named by SCENEFORGE_CONFIG.
type fileOverlay struct {
	Polling struct {
		Interval    string `yaml:"interval"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"polling"`
	Compose ComposeConfig `yaml:"compose"`
	Sweep   struct {
		Schedule string `yaml:"schedule"`
		Enabled  *bool  `yaml:"enabled"`
	} `yaml:"sweep"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		Provider:              getEnv("PROVIDER", "replicate"),
		ReplicateToken:        getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateBaseURL:      getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"),
		ReplicateModel:        getEnv("REPLICATE_MODEL", "minimax/video-01"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		ProviderRateLimit:     getEnvFloat("PROVIDER_RATE_LIMIT", 5),
		StorageBackend:        getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "scene-videos"),
		MinioEndpoint:         getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:        getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:        getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:           getEnv("MINIO_BUCKET", "scene-videos"),
		MinioUseSSL:           getEnvBool("MINIO_USE_SSL", false),
		MinioPublicURL:        getEnv("MINIO_PUBLIC_URL", ""),
		GCSBucket:             getEnv("GCS_BUCKET", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 5),
		Polling: PollingConfig{
			Interval:    2 * time.Second,
			MaxAttempts: 300,
		},
		Compose: ComposeConfig{
			Resolution:      "1280x720",
			FPS:             30,
			MinSegmentBytes: 10 * 1024,
			SubtitleLineCap: 42,
			WorkDir:         "/tmp/sceneforge",
		},
		Sweep: SweepConfig{
			Schedule: "@every 15m",
			Enabled:  true,
		},
	}

	if path := os.Getenv("SCENEFORGE_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the selected provider and storage backend have credentials.
func (c *Config) Validate() error {
	switch c.Provider {
	case "replicate":
		if c.ReplicateToken == "" {
			return fmt.Errorf("REPLICATE_API_TOKEN is required when PROVIDER=replicate")
		}
	case "xai":
		if c.XAIAPIKey == "" {
			return fmt.Errorf("XAI_API_KEY is required when PROVIDER=xai")
		}
	case "veo":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when PROVIDER=veo")
		}
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.Polling.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Polling.MaxAttempts <= 0 {
		return fmt.Errorf("poll max attempts must be positive")
	}
	if c.Compose.SubtitleLineCap < 10 {
		return fmt.Errorf("SUBTITLE_LINE_CAP must be at least 10")
	}

	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if overlay.Polling.Interval != "" {
		d, err := time.ParseDuration(overlay.Polling.Interval)
		if err != nil {
			return fmt.Errorf("invalid polling.interval %q: %w", overlay.Polling.Interval, err)
		}
		cfg.Polling.Interval = d
	}
	if overlay.Polling.MaxAttempts > 0 {
		cfg.Polling.MaxAttempts = overlay.Polling.MaxAttempts
	}

	if overlay.Compose.Resolution != "" {
		cfg.Compose.Resolution = overlay.Compose.Resolution
	}
	if overlay.Compose.FPS > 0 {
		cfg.Compose.FPS = overlay.Compose.FPS
	}
	if overlay.Compose.MinSegmentBytes > 0 {
		cfg.Compose.MinSegmentBytes = overlay.Compose.MinSegmentBytes
	}
	if overlay.Compose.SubtitleLineCap > 0 {
		cfg.Compose.SubtitleLineCap = overlay.Compose.SubtitleLineCap
	}
	if overlay.Compose.WorkDir != "" {
		cfg.Compose.WorkDir = overlay.Compose.WorkDir
	}

	if overlay.Sweep.Schedule != "" {
		cfg.Sweep.Schedule = overlay.Sweep.Schedule
	}
	if overlay.Sweep.Enabled != nil {
		cfg.Sweep.Enabled = *overlay.Sweep.Enabled
	}

	return nil
}

// applyEnvOverrides lets environment variables win over the YAML file.
func applyEnvOverrides(cfg *Config) {
	cfg.Polling.Interval = getEnvDuration("POLL_INTERVAL", cfg.Polling.Interval)
	cfg.Polling.MaxAttempts = getEnvInt("POLL_MAX_ATTEMPTS", cfg.Polling.MaxAttempts)
	cfg.Compose.Resolution = getEnv("RENDER_RESOLUTION", cfg.Compose.Resolution)
	cfg.Compose.MinSegmentBytes = int64(getEnvInt("COMPOSE_MIN_SEGMENT_BYTES", int(cfg.Compose.MinSegmentBytes)))
	cfg.Compose.SubtitleLineCap = getEnvInt("SUBTITLE_LINE_CAP", cfg.Compose.SubtitleLineCap)
	cfg.Compose.WorkDir = getEnv("COMPOSE_WORK_DIR", cfg.Compose.WorkDir)
	cfg.Sweep.Secret = getEnv("SWEEP_SECRET", "")
	cfg.Sweep.Schedule = getEnv("SWEEP_SCHEDULE", cfg.Sweep.Schedule)
	cfg.Sweep.Enabled = getEnvBool("SWEEP_ENABLED", cfg.Sweep.Enabled)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
