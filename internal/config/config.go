package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maneesh/pkgrepo/internal/apperr"
)

const minPartSize = 5 * 1024 * 1024

// MirrorConfig describes one secondary store that receives copies of every blob write.
type MirrorConfig struct {
	Name      string `yaml:"name"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	ACL       string `yaml:"acl"`
}

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort       string        `yaml:"servicePort"`
	ServiceName       string        `yaml:"serviceName"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	SiteURL           string        `yaml:"siteUrl"`
	IndexBaseURL      string        `yaml:"indexBaseUrl"`
	LogLevel          string        `yaml:"logLevel"`
	LogDevelopment    bool          `yaml:"logDevelopment"`
	WorkerConcurrency int           `yaml:"workerConcurrency"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`

	// Uploads
	MinUpload         int64 `yaml:"minUpload"`
	MaxUpload         int64 `yaml:"maxUpload"`
	PartSize          int64 `yaml:"partSize"`
	UploadExpiryHours int   `yaml:"uploadExpiryHours"`

	// Submissions
	TaskTTL       time.Duration `yaml:"taskTtl"`
	CleanupTTL    time.Duration `yaml:"cleanupTtl"`
	TaskTimeLimit time.Duration `yaml:"taskTimeLimit"`

	// Archive limits
	MaxPackageBytes int64 `yaml:"maxPackageBytes"`
	MaxIconBytes    int64 `yaml:"maxIconBytes"`
	MaxReadmeBytes  int64 `yaml:"maxReadmeBytes"`
	MaxArchiveFiles int   `yaml:"maxArchiveFiles"`

	// Index cache
	UncompressedChunkLimit int `yaml:"uncompressedChunkLimit"`
	CacheCutoffHours       int `yaml:"cacheCutoffHours"`
	BlobGraceHours         int `yaml:"blobGraceHours"`

	// Download metrics
	DownloadMetricsEnabled bool          `yaml:"downloadMetricsEnabled"`
	DownloadMetricsTTL     time.Duration `yaml:"downloadMetricsTtl"`

	// Primary object store
	S3Endpoint        string `yaml:"s3Endpoint"`
	S3SigningEndpoint string `yaml:"s3SigningEndpoint"`
	S3Bucket          string `yaml:"s3Bucket"`
	S3Region          string `yaml:"s3Region"`
	S3AccessKey       string `yaml:"s3AccessKey"`
	S3SecretKey       string `yaml:"s3SecretKey"`
	S3DefaultACL      string `yaml:"s3DefaultAcl"`
	S3UseSSL          bool   `yaml:"s3UseSsl"`
	S3LocationPrefix  string `yaml:"s3LocationPrefix"`
	S3PublicURL       string `yaml:"s3PublicUrl"`

	Mirrors []MirrorConfig `yaml:"mirrors"`

	// Database configuration
	DBHost         string `yaml:"dbHost"`
	DBPort         string `yaml:"dbPort"`
	DBUser         string `yaml:"dbUser"`
	DBPassword     string `yaml:"dbPassword"`
	DBName         string `yaml:"dbName"`
	DBMaxOpenConns int    `yaml:"dbMaxOpenConns"`

	// Redis configuration
	RedisHost     string `yaml:"redisHost"`
	RedisPort     string `yaml:"redisPort"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	// Tracing configuration
	TracingEnabled bool   `yaml:"tracingEnabled"`
	OTelEndpoint   string `yaml:"otelEndpoint"`
}

// Default returns the configuration used when neither a file nor the environment says otherwise.
func Default() *Config {
	return &Config{
		ServicePort:       "8080",
		ServiceName:       "pkgrepo",
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		SiteURL:           "http://localhost:8080",
		LogLevel:          "info",
		WorkerConcurrency: 4,
		SweepInterval:     10 * time.Minute,

		MinUpload:         1,
		MaxUpload:         500 * 1024 * 1024,
		PartSize:          50 * 1024 * 1024,
		UploadExpiryHours: 24,

		TaskTTL:       300 * time.Second,
		CleanupTTL:    86400 * time.Second,
		TaskTimeLimit: 10 * time.Minute,

		MaxPackageBytes: 500 * 1024 * 1024,
		MaxIconBytes:    1024 * 1024 * 6,
		MaxReadmeBytes:  1024 * 512,
		MaxArchiveFiles: 50000,

		UncompressedChunkLimit: 14 * 1000 * 1000,
		CacheCutoffHours:       1,
		BlobGraceHours:         24,

		DownloadMetricsEnabled: true,
		DownloadMetricsTTL:     600 * time.Second,

		S3Endpoint: "localhost:9000",
		S3Region:   "us-east-1",

		DBHost:         "localhost",
		DBPort:         "4000",
		DBUser:         "root",
		DBName:         "pkgrepo",
		DBMaxOpenConns: 25,

		RedisHost: "localhost",
		RedisPort: "6379",

		OTelEndpoint: "localhost:4318",
	}
}

// LoadConfig loads configuration from the optional CONFIG_FILE and then environment variables.
func LoadConfig() (*Config, error) {
	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	if config.IndexBaseURL == "" {
		config.IndexBaseURL = config.SiteURL
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Configuration.New("failed to read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperr.Configuration.New("failed to parse config file %s: %v", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServicePort = getEnv("SERVER_PORT", c.ServicePort)
	c.ServiceName = getEnv("OTEL_SERVICE_NAME", c.ServiceName)
	c.ReadTimeout = getEnvAsSeconds("SERVER_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvAsSeconds("SERVER_WRITE_TIMEOUT", c.WriteTimeout)
	c.SiteURL = strings.TrimRight(getEnv("SITE_URL", c.SiteURL), "/")
	c.IndexBaseURL = strings.TrimRight(getEnv("INDEX_BASE_URL", c.IndexBaseURL), "/")
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogDevelopment = getEnvAsBool("LOG_DEVELOPMENT", c.LogDevelopment)
	c.WorkerConcurrency = getEnvAsInt("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.SweepInterval = getEnvAsSeconds("SWEEP_INTERVAL", c.SweepInterval)

	c.MinUpload = getEnvAsInt64("MIN_UPLOAD", c.MinUpload)
	c.MaxUpload = getEnvAsInt64("MAX_UPLOAD", c.MaxUpload)
	c.PartSize = getEnvAsInt64("PART_SIZE", c.PartSize)
	c.UploadExpiryHours = getEnvAsInt("UPLOAD_EXPIRY_HOURS", c.UploadExpiryHours)

	c.TaskTTL = getEnvAsSeconds("TASK_TTL", c.TaskTTL)
	c.CleanupTTL = getEnvAsSeconds("CLEANUP_TTL", c.CleanupTTL)
	c.TaskTimeLimit = getEnvAsSeconds("TASK_TIME_LIMIT", c.TaskTimeLimit)

	c.MaxPackageBytes = getEnvAsInt64("MAX_PACKAGE_BYTES", c.MaxPackageBytes)
	c.MaxIconBytes = getEnvAsInt64("MAX_ICON_BYTES", c.MaxIconBytes)
	c.MaxReadmeBytes = getEnvAsInt64("MAX_README_BYTES", c.MaxReadmeBytes)
	c.MaxArchiveFiles = getEnvAsInt("MAX_ARCHIVE_FILES", c.MaxArchiveFiles)

	c.UncompressedChunkLimit = getEnvAsInt("UNCOMPRESSED_CHUNK_LIMIT", c.UncompressedChunkLimit)
	c.CacheCutoffHours = getEnvAsInt("CACHE_CUTOFF_HOURS", c.CacheCutoffHours)
	c.BlobGraceHours = getEnvAsInt("BLOB_GRACE_HOURS", c.BlobGraceHours)

	c.DownloadMetricsEnabled = getEnvAsBool("DOWNLOAD_METRICS_ENABLED", c.DownloadMetricsEnabled)
	c.DownloadMetricsTTL = getEnvAsSeconds("DOWNLOAD_METRICS_TTL", c.DownloadMetricsTTL)

	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3SigningEndpoint = getEnv("S3_SIGNING_ENDPOINT", c.S3SigningEndpoint)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)
	c.S3Region = getEnv("S3_REGION", c.S3Region)
	c.S3AccessKey = getEnv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getEnv("S3_SECRET_KEY", c.S3SecretKey)
	c.S3DefaultACL = getEnv("S3_DEFAULT_ACL", c.S3DefaultACL)
	c.S3UseSSL = getEnvAsBool("S3_USE_SSL", c.S3UseSSL)
	c.S3LocationPrefix = strings.Trim(getEnv("S3_LOCATION_PREFIX", c.S3LocationPrefix), "/")
	c.S3PublicURL = strings.TrimRight(getEnv("S3_PUBLIC_URL", c.S3PublicURL), "/")

	c.Mirrors = append(c.Mirrors, mirrorsFromEnv()...)

	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBMaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.DBMaxOpenConns)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvAsInt("REDIS_DB", c.RedisDB)

	c.TracingEnabled = getEnvAsBool("TRACING_ENABLED", c.TracingEnabled)
	c.OTelEndpoint = getEnv("OTEL_ENDPOINT", c.OTelEndpoint)
}

// mirrorsFromEnv reads MIRROR_1_*, MIRROR_2_*, ... until the first missing endpoint.
func mirrorsFromEnv() []MirrorConfig {
	var mirrors []MirrorConfig
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("MIRROR_%d_", i)
		endpoint := os.Getenv(prefix + "ENDPOINT")
		if endpoint == "" {
			return mirrors
		}
		mirrors = append(mirrors, MirrorConfig{
			Name:      getEnv(prefix+"NAME", fmt.Sprintf("mirror-%d", i)),
			Endpoint:  endpoint,
			Region:    getEnv(prefix+"REGION", "us-east-1"),
			Bucket:    os.Getenv(prefix + "BUCKET"),
			AccessKey: os.Getenv(prefix + "ACCESS_KEY"),
			SecretKey: os.Getenv(prefix + "SECRET_KEY"),
			ACL:       os.Getenv(prefix + "ACL"),
		})
	}
}

// Validate reports misconfiguration as an apperr.Configuration error.
func (c *Config) Validate() error {
	var problems []string
	if c.S3Bucket == "" {
		problems = append(problems, "S3_BUCKET is not set")
	}
	if c.S3Endpoint == "" {
		problems = append(problems, "S3_ENDPOINT is not set")
	}
	if c.S3AccessKey == "" || c.S3SecretKey == "" {
		problems = append(problems, "S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if c.MinUpload < 0 || c.MinUpload > c.MaxUpload {
		problems = append(problems, fmt.Sprintf("MIN_UPLOAD (%d) must be within [0, MAX_UPLOAD (%d)]", c.MinUpload, c.MaxUpload))
	}
	if c.PartSize < minPartSize {
		problems = append(problems, fmt.Sprintf("PART_SIZE must be at least %d bytes", minPartSize))
	}
	if c.UncompressedChunkLimit <= 0 {
		problems = append(problems, "UNCOMPRESSED_CHUNK_LIMIT must be positive")
	}
	for i, m := range c.Mirrors {
		if m.Bucket == "" {
			problems = append(problems, fmt.Sprintf("mirror %d (%s) has no bucket", i+1, m.Name))
		}
	}
	if len(problems) > 0 {
		return apperr.Configuration.New("%s", strings.Join(problems, "; "))
	}
	return nil
}

// GetDSN returns the MySQL/TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// UploadExpiry returns the lifetime of a newly initiated upload.
func (c *Config) UploadExpiry() time.Duration {
	return time.Duration(c.UploadExpiryHours) * time.Hour
}

// CacheCutoff returns how long a superseded index revision stays readable.
func (c *Config) CacheCutoff() time.Duration {
	return time.Duration(c.CacheCutoffHours) * time.Hour
}

// BlobGrace returns how long a soft-deleted blob is kept before hard deletion.
func (c *Config) BlobGrace() time.Duration {
	return time.Duration(c.BlobGraceHours) * time.Hour
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSeconds reads an integer number of seconds.
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(value) * time.Second
	}
	return defaultValue
}
