package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// Duration decodes "30s"-style strings from yaml, toml and json.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server" toml:"server"`
	Data       DataConfig       `yaml:"data" json:"data" toml:"data"`
	Storage    StorageConfig    `yaml:"storage" json:"storage" toml:"storage"`
	Minio      MinioConfig      `yaml:"minio" json:"minio" toml:"minio"`
	S3         S3Config         `yaml:"s3" json:"s3" toml:"s3"`
	Textract   TextractConfig   `yaml:"textract" json:"textract" toml:"textract"`
	OCR        OCRConfig        `yaml:"ocr" json:"ocr" toml:"ocr"`
	LLM        LLMConfig        `yaml:"llm" json:"llm" toml:"llm"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline" toml:"pipeline"`
	Classifier ClassifierConfig `yaml:"classifier" json:"classifier" toml:"classifier"`
	Queue      QueueConfig      `yaml:"queue" json:"queue" toml:"queue"`
	Toolchain  ToolchainConfig  `yaml:"toolchain" json:"toolchain" toml:"toolchain"`
	Log        logger.Config    `yaml:"log" json:"log" toml:"log"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr" json:"addr" toml:"addr"`
	Mode            string   `yaml:"mode" json:"mode" toml:"mode"` // local | queue
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" toml:"shutdownTimeout"`
	MaxUploadBytes  int64    `yaml:"maxUploadBytes" json:"maxUploadBytes" toml:"maxUploadBytes"`
}

type DataConfig struct {
	Dir         string `yaml:"dir" json:"dir" toml:"dir"`
	CatalogPath string `yaml:"catalogPath" json:"catalogPath" toml:"catalogPath"`
	OvenDir     string `yaml:"ovenDir" json:"ovenDir" toml:"ovenDir"`
	DropDir     string `yaml:"dropDir" json:"dropDir" toml:"dropDir"`
	ModelsDir   string `yaml:"modelsDir" json:"modelsDir" toml:"modelsDir"`
}

type StorageConfig struct {
	Type     string `yaml:"type" json:"type" toml:"type"` // local | minio | s3
	LocalDir string `yaml:"localDir" json:"localDir" toml:"localDir"`
}

type OCRConfig struct {
	Backend   string   `yaml:"backend" json:"backend" toml:"backend"` // tesseract | textract | none
	Languages []string `yaml:"languages" json:"languages" toml:"languages"`
}

type LLMConfig struct {
	Endpoint       string   `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	DefaultModel   string   `yaml:"defaultModel" json:"defaultModel" toml:"defaultModel"`
	MaxInFlight    int      `yaml:"maxInFlight" json:"maxInFlight" toml:"maxInFlight"`
	CallTimeout    Duration `yaml:"callTimeout" json:"callTimeout" toml:"callTimeout"`
	MaxAttempts    int      `yaml:"maxAttempts" json:"maxAttempts" toml:"maxAttempts"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff" toml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff" toml:"maxBackoff"`
	Temperature    float64  `yaml:"temperature" json:"temperature" toml:"temperature"`
}

type PipelineConfig struct {
	Workers           int    `yaml:"workers" json:"workers" toml:"workers"`
	VerifyRounds      int    `yaml:"verifyRounds" json:"verifyRounds" toml:"verifyRounds"`
	ModelVerification bool   `yaml:"modelVerification" json:"modelVerification" toml:"modelVerification"`
	OutputFormat      string `yaml:"outputFormat" json:"outputFormat" toml:"outputFormat"`
}

type ClassifierConfig struct {
	StaticHints    []string `yaml:"staticHints" json:"staticHints" toml:"staticHints"`
	ReferenceHints []string `yaml:"referenceHints" json:"referenceHints" toml:"referenceHints"`
}

type QueueConfig struct {
	RedisAddr   string   `yaml:"redisAddr" json:"redisAddr" toml:"redisAddr"`
	RedisDB     int      `yaml:"redisDB" json:"redisDB" toml:"redisDB"`
	Concurrency int      `yaml:"concurrency" json:"concurrency" toml:"concurrency"`
	MaxRetry    int      `yaml:"maxRetry" json:"maxRetry" toml:"maxRetry"`
	TaskTimeout Duration `yaml:"taskTimeout" json:"taskTimeout" toml:"taskTimeout"`
	StatusTTL   Duration `yaml:"statusTTL" json:"statusTTL" toml:"statusTTL"`
}

type ToolchainConfig struct {
	Python           string   `yaml:"python" json:"python" toml:"python"`
	UnslothCLI       string   `yaml:"unslothCLI" json:"unslothCLI" toml:"unslothCLI"`
	DequantizeScript string   `yaml:"dequantizeScript" json:"dequantizeScript" toml:"dequantizeScript"`
	ConvertScript    string   `yaml:"convertScript" json:"convertScript" toml:"convertScript"`
	QuantizeBin      string   `yaml:"quantizeBin" json:"quantizeBin" toml:"quantizeBin"`
	Attempts         int      `yaml:"attempts" json:"attempts" toml:"attempts"`
	Timeout          Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "local",
			ShutdownTimeout: Duration(10 * time.Second),
			MaxUploadBytes:  50 * 1024 * 1024,
		},
		Data:    DataConfig{Dir: "data"},
		Storage: StorageConfig{Type: "local"},
		OCR:     OCRConfig{Backend: "tesseract", Languages: []string{"eng"}},
		Textract: TextractConfig{
			MinConfidence: 80,
		},
		LLM: LLMConfig{
			Endpoint:       "http://localhost:11434",
			MaxInFlight:    4,
			CallTimeout:    Duration(2 * time.Minute),
			MaxAttempts:    3,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
			Temperature:    0.7,
		},
		Pipeline: PipelineConfig{
			Workers:           4,
			VerifyRounds:      2,
			ModelVerification: true,
			OutputFormat:      ".parquet",
		},
		Classifier: ClassifierConfig{
			StaticHints:    []string{"description"},
			ReferenceHints: []string{"command"},
		},
		Queue: QueueConfig{
			RedisAddr:   "localhost:6379",
			Concurrency: 4,
			MaxRetry:    3,
			TaskTimeout: Duration(6 * time.Hour),
			StatusTTL:   Duration(24 * time.Hour),
		},
		Toolchain: ToolchainConfig{
			Python:        "python3",
			UnslothCLI:    "unsloth-cli.py",
			ConvertScript: "convert_hf_to_gguf.py",
			QuantizeBin:   "llama-quantize",
			Attempts:      2,
		},
		Log: logger.Config{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout", "logs/kitchen.log"},
		},
	}
}

// Load reads path (yaml, yml, toml or json; empty means defaults only), then
// applies a .env file next to it and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	envFile := ".env"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(filepath.Ext(path), data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	// a missing .env file is normal outside development
	_ = godotenv.Load(envFile)

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "KITCHEN_ADDR")
	setString(&c.Server.Mode, "KITCHEN_MODE")
	setString(&c.Data.Dir, "KITCHEN_DATA_DIR")
	setString(&c.Data.CatalogPath, "KITCHEN_CATALOG_PATH")
	setString(&c.Data.DropDir, "KITCHEN_DROP_DIR")
	setString(&c.Data.ModelsDir, "KITCHEN_MODELS_DIR")
	setString(&c.Storage.Type, "KITCHEN_STORAGE")
	setString(&c.OCR.Backend, "KITCHEN_OCR_BACKEND")
	setString(&c.LLM.Endpoint, "OLLAMA_ENDPOINT")
	setString(&c.LLM.DefaultModel, "OLLAMA_MODEL")
	setString(&c.Queue.RedisAddr, "REDIS_ADDR")
	setString(&c.Log.Level, "KITCHEN_LOG_LEVEL")
	if err := setInt(&c.LLM.MaxInFlight, "KITCHEN_LLM_MAX_IN_FLIGHT"); err != nil {
		return err
	}
	if err := setInt(&c.Queue.RedisDB, "REDIS_DB"); err != nil {
		return err
	}
	c.Minio.applyEnv()
	c.S3.applyEnv()
	c.Textract.applyEnv()
	return nil
}

func (c *Config) resolvePaths() {
	if c.Data.CatalogPath == "" {
		c.Data.CatalogPath = filepath.Join(c.Data.Dir, "catalog.db")
	}
	if c.Data.OvenDir == "" {
		c.Data.OvenDir = filepath.Join(c.Data.Dir, "oven")
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = filepath.Join(c.Data.Dir, "blobs")
	}
}

func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "local", "queue":
	default:
		return fmt.Errorf("server.mode must be local or queue, got %q", c.Server.Mode)
	}
	switch c.Storage.Type {
	case "local", "minio", "s3":
	default:
		return fmt.Errorf("storage.type must be local, minio or s3, got %q", c.Storage.Type)
	}
	switch c.OCR.Backend {
	case "tesseract", "textract", "none":
	default:
		return fmt.Errorf("ocr.backend must be tesseract, textract or none, got %q", c.OCR.Backend)
	}
	if c.LLM.MaxInFlight < 1 {
		return fmt.Errorf("llm.maxInFlight must be >= 1")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.maxAttempts must be >= 1")
	}
	if c.Pipeline.VerifyRounds < 1 {
		return fmt.Errorf("pipeline.verifyRounds must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
