package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "PHOTOFACETS"
	DefaultConfigName = "config"
)

// Option describes one recognized configuration key.
type Option struct {
	Key         string
	Default     interface{}
	Description string
}

// Options is the complete list of recognized keys. Anything else in a
// config file is ignored.
var Options = []Option{
	{"paths.input_directory", ".", "directory scanned during ingestion"},
	{"paths.database", "photo_archive.db", "sqlite database file"},
	{"paths.photo_details", "", "iCloud Photo Details CSV consulted for capture dates, empty disables it"},

	{"processing.batch_size", 32, "items selected per batch"},
	{"processing.confidence_threshold", 0.5, "minimum confidence persisted for detections and text"},
	{"processing.item_timeout", "60s", "deadline for one collaborator call"},
	{"processing.skip_empty", false, "skip items whose last attempt produced no data"},
	{"processing.parallel", true, "run disjoint facets concurrently for --stage all"},

	{"models.endpoint", "http://localhost:8000", "model server base url"},
	{"models.api_key", "", "bearer token for the model server and text embedder"},
	{"models.detection_version", "yolov8m", "object detection model version tag"},
	{"models.embedding_version", "ViT-L-14/openai", "image embedding model version tag"},
	{"models.embedding_dimension", 768, "vector length for the embedding model"},
	{"models.ocr_version", "paddleocr", "text extraction model version tag"},
	{"models.requests_per_second", 4.0, "collaborator call rate limit"},
	{"models.max_image_side", 1024, "longest side of images sent to the model server"},
	{"models.yolo_model_path", "", "ONNX weights for the local gocv detector"},
	{"models.text_embedder_url", "", "OpenAI-compatible base url for query text embeddings, empty disables text queries"},

	{"search.ann", false, "use the vantage-point tree for similarity search"},
	{"search.default_top_k", 50, "semantic candidates when --top-k is not given"},

	{"server.port", 8080, "http listen port"},
	{"server.allowed_origins", []string{"http://localhost:5173"}, "CORS allowed origins"},

	{"log.level", "info", "logrus level"},
}

type PathsConfig struct {
	InputDirectory string `mapstructure:"input_directory"`
	Database       string `mapstructure:"database"`
	PhotoDetails   string `mapstructure:"photo_details"`
}

type ProcessingConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	ItemTimeout         time.Duration `mapstructure:"item_timeout"`
	SkipEmpty           bool          `mapstructure:"skip_empty"`
	Parallel            bool          `mapstructure:"parallel"`
}

type ModelsConfig struct {
	Endpoint           string  `mapstructure:"endpoint"`
	APIKey             string  `mapstructure:"api_key"`
	DetectionVersion   string  `mapstructure:"detection_version"`
	EmbeddingVersion   string  `mapstructure:"embedding_version"`
	EmbeddingDimension int     `mapstructure:"embedding_dimension"`
	OCRVersion         string  `mapstructure:"ocr_version"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	MaxImageSide       int     `mapstructure:"max_image_side"`
	YOLOModelPath      string  `mapstructure:"yolo_model_path"`
	TextEmbedderURL    string  `mapstructure:"text_embedder_url"`
}

type SearchConfig struct {
	ANN         bool `mapstructure:"ann"`
	DefaultTopK int  `mapstructure:"default_top_k"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Models     ModelsConfig     `mapstructure:"models"`
	Search     SearchConfig     `mapstructure:"search"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`

	// ConfigFile is the file that was actually read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

// LoadOptions controls where Load looks for values. Flags maps option keys
// to command-line flags; a flag only wins when it was set explicitly.
type LoadOptions struct {
	ConfigFile string
	ConfigDirs []string
	Flags      map[string]*pflag.Flag
	Environ    func(string) (string, bool)
}

// EnvName returns the environment variable consulted for an option key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadDotEnv loads a .env file into the process environment if one exists.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load resolves configuration with fixed precedence:
// flags > config file > environment > defaults.
func Load(opts LoadOptions) (Config, error) {
	environ := opts.Environ
	if environ == nil {
		environ = os.LookupEnv
	}

	v := viper.New()
	v.SetConfigType("yaml")

	// environment values sit in the default layer so a config file overrides them
	for _, opt := range Options {
		v.SetDefault(opt.Key, opt.Default)
		if val, ok := environ(EnvName(opt.Key)); ok && val != "" {
			v.SetDefault(opt.Key, envValue(opt.Default, val))
		}
	}

	configFile := opts.ConfigFile
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		dirs := opts.ConfigDirs
		if len(dirs) == 0 {
			dirs = []string{"."}
		}
		for _, d := range dirs {
			v.AddConfigPath(d)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	var err error
	cfg.Paths.InputDirectory, err = absPath(cfg.Paths.InputDirectory)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for input directory '%s': %w", cfg.Paths.InputDirectory, err)
	}
	cfg.Paths.Database, err = absPath(cfg.Paths.Database)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for database '%s': %w", cfg.Paths.Database, err)
	}
	cfg.Paths.PhotoDetails, err = absPath(cfg.Paths.PhotoDetails)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for photo details '%s': %w", cfg.Paths.PhotoDetails, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option ranges.
func (c Config) Validate() error {
	var problems []string
	if c.Paths.Database == "" {
		problems = append(problems, "paths.database is required")
	}
	if c.Processing.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("processing.batch_size must be positive, got %d", c.Processing.BatchSize))
	}
	if c.Processing.ConfidenceThreshold < 0 || c.Processing.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("processing.confidence_threshold must be in [0,1], got %g", c.Processing.ConfidenceThreshold))
	}
	if c.Processing.ItemTimeout <= 0 {
		problems = append(problems, "processing.item_timeout must be positive")
	}
	if c.Models.EmbeddingDimension <= 0 {
		problems = append(problems, "models.embedding_dimension must be positive")
	}
	if c.Models.RequestsPerSecond <= 0 {
		problems = append(problems, "models.requests_per_second must be positive")
	}
	if c.Search.DefaultTopK <= 0 {
		problems = append(problems, "search.default_top_k must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the process logger from configuration.
func NewLogger(c Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func envValue(def interface{}, raw string) interface{} {
	switch def.(type) {
	case []string:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		// viper's decode hooks convert strings into the target field type
		return raw
	}
}

func absPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[2:])
	}
	return filepath.Abs(p)
}
