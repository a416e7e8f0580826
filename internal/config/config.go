package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Vision      VisionConfig      `yaml:"vision"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Cache       CacheConfig       `yaml:"cache"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	APIKey      string `yaml:"api_key"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	// AutoMigrate creates missing tables at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	CascadePath        string  `yaml:"cascade_path"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	CropPadding        float64 `yaml:"crop_padding"`
	WorkerCount        int     `yaml:"worker_count"`
	ModelVersion       string  `yaml:"model_version"`
	// ONNXLibrary overrides the platform default shared library name.
	ONNXLibrary string `yaml:"onnx_library"`
}

type RecognitionConfig struct {
	// DefaultThreshold applies to tenants without stored settings.
	DefaultThreshold float64       `yaml:"default_threshold"`
	LowConfWindow    time.Duration `yaml:"low_confidence_window"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SettingsTTL      time.Duration `yaml:"settings_ttl"`
}

type CacheConfig struct {
	PersistPath     string        `yaml:"persist_path"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	HydrateOnStart  bool          `yaml:"hydrate_on_start"`
	// RefreshInterval re-hydrates cached tenants; used by processes that do not enroll.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type JobsConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Retention   time.Duration `yaml:"retention"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Vision.CropPadding < 0.3 || c.Vision.CropPadding > 0.7 {
		return fmt.Errorf("vision.crop_padding %.2f outside [0.3, 0.7]", c.Vision.CropPadding)
	}
	if c.Recognition.DefaultThreshold < 0 || c.Recognition.DefaultThreshold > 1 {
		return fmt.Errorf("recognition.default_threshold %.2f outside [0, 1]", c.Recognition.DefaultThreshold)
	}
	if c.Vision.WorkerCount < 1 {
		return fmt.Errorf("vision.worker_count must be positive")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.WorkerCount == 0 {
		cfg.Vision.WorkerCount = 4
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.CropPadding == 0 {
		cfg.Vision.CropPadding = 0.4
	}
	if cfg.Vision.ModelVersion == "" {
		cfg.Vision.ModelVersion = "1"
	}
	if cfg.Recognition.DefaultThreshold == 0 {
		cfg.Recognition.DefaultThreshold = 0.5
	}
	if cfg.Recognition.LowConfWindow == 0 {
		cfg.Recognition.LowConfWindow = 10 * time.Minute
	}
	if cfg.Recognition.RequestTimeout == 0 {
		cfg.Recognition.RequestTimeout = 15 * time.Second
	}
	if cfg.Recognition.SettingsTTL == 0 {
		cfg.Recognition.SettingsTTL = time.Minute
	}
	if cfg.Cache.PersistInterval == 0 {
		cfg.Cache.PersistInterval = 5 * time.Minute
	}
	if cfg.Jobs.Concurrency == 0 {
		cfg.Jobs.Concurrency = 2
	}
	if cfg.Jobs.Retention == 0 {
		cfg.Jobs.Retention = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRESENCE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PRESENCE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PRESENCE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PRESENCE_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PRESENCE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PRESENCE_DB_AUTO_MIGRATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Database.AutoMigrate = b
		}
	}
	if v := os.Getenv("PRESENCE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PRESENCE_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("PRESENCE_CASCADE_PATH"); v != "" {
		cfg.Vision.CascadePath = v
	}
	if v := os.Getenv("PRESENCE_VISION_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vision.WorkerCount = n
		}
	}
	if v := os.Getenv("PRESENCE_ONNX_LIBRARY"); v != "" {
		cfg.Vision.ONNXLibrary = v
	}
	if v := os.Getenv("PRESENCE_CACHE_PATH"); v != "" {
		cfg.Cache.PersistPath = v
	}
}
