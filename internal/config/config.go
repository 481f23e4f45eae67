package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string `yaml:"port"`
	LogLevel                string `yaml:"logLevel"`
	DatabaseURL             string `yaml:"databaseURL"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	JWTSecret               string `yaml:"jwtSecret"`
	SessionTTLMinutes       int    `yaml:"sessionTtlMinutes"`
	FaceServiceURL          string `yaml:"faceServiceURL"`
	MinioEndpoint           string `yaml:"minioEndpoint"`
	MinioAccessKey          string `yaml:"minioAccessKey"`
	MinioSecretKey          string `yaml:"minioSecretKey"`
	MinioBucket             string `yaml:"minioBucket"`
	MinioUseSSL             bool   `yaml:"minioUseSSL"`
	PhotoURLTTLMinutes      int    `yaml:"photoUrlTtlMinutes"`
	AllowUserSearch         bool   `yaml:"allowUserSearch"`
	NotifyAdminsOnFound     bool   `yaml:"notifyAdminsOnFound"`
	NotifyStream            string `yaml:"notifyStream"`
	NotifyGroup             string `yaml:"notifyGroup"`
	AdminUsername           string `yaml:"adminUsername"`
	AdminPassword           string `yaml:"adminPassword"`
	AuthRateLimit           int    `yaml:"authRateLimit"`
	AuthRateWindowSeconds   int    `yaml:"authRateWindowSeconds"`
	SearchRateLimit         int    `yaml:"searchRateLimit"`
	SearchRateWindowSeconds int    `yaml:"searchRateWindowSeconds"`
	MaxUploadBytes          int64  `yaml:"maxUploadBytes"`
	AllowedPhotoExtensions  string `yaml:"allowedPhotoExtensions"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PERSONFINDER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("PERSONFINDER_FACE_SERVICE_URL"); v != "" {
		cfg.FaceServiceURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("PERSONFINDER_ALLOW_USER_SEARCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowUserSearch = b
		}
	}
	if v := os.Getenv("PERSONFINDER_NOTIFY_ADMINS_ON_FOUND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NotifyAdminsOnFound = b
		}
	}
	if v := os.Getenv("PERSONFINDER_ADMIN_USERNAME"); v != "" {
		cfg.AdminUsername = v
	}
	if v := os.Getenv("PERSONFINDER_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("PERSONFINDER_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLMinutes = n
		}
	}
	if v := os.Getenv("PERSONFINDER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SessionTTLMinutes <= 0 {
		cfg.SessionTTLMinutes = 60
	}
	if cfg.PhotoURLTTLMinutes <= 0 {
		cfg.PhotoURLTTLMinutes = 15
	}
	if cfg.NotifyStream == "" {
		cfg.NotifyStream = "personfinder:case-events"
	}
	if cfg.NotifyGroup == "" {
		cfg.NotifyGroup = "notifiers"
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = 10
	}
	if cfg.AuthRateWindowSeconds <= 0 {
		cfg.AuthRateWindowSeconds = 60
	}
	if cfg.SearchRateLimit <= 0 {
		cfg.SearchRateLimit = 30
	}
	if cfg.SearchRateWindowSeconds <= 0 {
		cfg.SearchRateWindowSeconds = 60
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 8 << 20
	}
	if cfg.AllowedPhotoExtensions == "" {
		cfg.AllowedPhotoExtensions = ".jpg,.jpeg,.png"
	}
}

// PhotoExtensions returns the allowed photo extensions, lowercased.
func (c FileConfig) PhotoExtensions() []string {
	parts := strings.Split(c.AllowedPhotoExtensions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, ".") {
			p = "." + p
		}
		out = append(out, p)
	}
	return out
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or PERSONFINDER_JWT_SECRET)")
	}
	if cfg.FaceServiceURL == "" {
		return errors.New("config: faceServiceURL is required (set in config.yaml or PERSONFINDER_FACE_SERVICE_URL)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if (cfg.AdminUsername == "") != (cfg.AdminPassword == "") {
		return errors.New("config: adminUsername and adminPassword must be set together")
	}
	if len(cfg.PhotoExtensions()) == 0 {
		return errors.New("config: allowedPhotoExtensions must name at least one extension")
	}
	return nil
}
