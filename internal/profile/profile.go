package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	// Server
	Mode    string
	Addr    string
	Port    int
	Data    string
	Version string

	// Tenant backend integration
	InternalAPIKey    string // Shared secret for /api/internal/* and admin surfaces
	WebhookSecret     string // Forwarded verbatim on outbound webhooks, verified on inbound callbacks
	BackendWebhookURL string // Base URL of the tenant backend webhook receiver

	// Unified LLM configuration (OpenAI-compatible protocol)
	// All providers (openai, deepseek, zai, siliconflow, dashscope, openrouter, ollama)
	// use the same config.
	LLMProvider    string // Provider identifier
	LLMProviderKey string // API key
	LLMBaseURL     string // Base URL (optional, has default per provider)
	LLMModel       string // Model name: gpt-4o, deepseek-chat, etc.
	LLMTimeout     int    // Whole-call timeout in seconds (default: 60)

	// Embedding configuration
	EmbeddingModel   string
	VectorSize       int // Embedding dimension, fixed at initialization
	EmbeddingTimeout int // Per-call timeout in seconds (default: 10)

	// Vector store configuration
	VectorStoreDriver     string // qdrant or pgvector
	VectorStoreURL        string
	VectorStoreAPIKey     string
	VectorStoreCollection string
	VectorStoreTimeout    int // Per-call timeout in seconds (default: 5)

	// Task queue configuration
	QueueDriver string // redis or sqlite
	QueueURL    string // Redis URL for the redis driver
	QueueDSN    string // SQLite file path for the sqlite driver, derived in Validate

	// Ingestion configuration
	IngestWorkers        int
	MaxFileSizeMB        int
	ExtractorURL         string // External text extraction service, optional
	ExtractorVisionModel string // Vision model for image extraction, optional
	ExtractorTimeout     int    // Per-call timeout in seconds (default: 120)

	// Webhook delivery configuration
	WebhookTimeoutSeconds int
	WebhookMaxAttempts    int

	// CORS registry configuration
	CORSCacheTTLSeconds int

	// Chat configuration
	ChatRateLimitRPS   float64
	ChatRateLimitBurst int
	OrderTaxRate       float64
}

// Provider default configurations for LLM.
// Used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-max-latest",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// MaxFileSizeBytes returns the ingestion upload cap in bytes.
func (p *Profile) MaxFileSizeBytes() int64 {
	return int64(p.MaxFileSizeMB) << 20
}

// getEnvOrDefault returns environment variable value or default value.
// The AISERVICE_-prefixed name wins over the bare name.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv("AISERVICE_" + key); value != "" {
		return value
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := getEnvOrDefault(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := getEnvOrDefault(key, ""); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Tenant backend integration
	p.InternalAPIKey = getEnvOrDefault("INTERNAL_API_KEY", "")
	p.WebhookSecret = getEnvOrDefault("WEBHOOK_SECRET", "")
	p.BackendWebhookURL = getEnvOrDefault("BACKEND_WEBHOOK_URL", "")

	// Unified LLM configuration
	p.LLMProvider = getEnvOrDefault("LLM_PROVIDER", "openai")
	p.LLMProviderKey = getEnvOrDefault("LLM_PROVIDER_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("LLM_TIMEOUT_SECONDS", 60)

	// Validate and apply provider defaults if not explicitly set
	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("Unknown LLM provider, using default: openai", "provider", p.LLMProvider)
			p.LLMProvider = "openai"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	// Embedding configuration
	p.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	p.VectorSize = getEnvOrDefaultInt("VECTOR_SIZE", 1536)
	p.EmbeddingTimeout = getEnvOrDefaultInt("EMBEDDING_TIMEOUT_SECONDS", 10)

	// Vector store configuration
	p.VectorStoreDriver = getEnvOrDefault("VECTOR_STORE_DRIVER", "qdrant")
	p.VectorStoreURL = getEnvOrDefault("VECTOR_STORE_URL", "http://localhost:6333")
	p.VectorStoreAPIKey = getEnvOrDefault("VECTOR_STORE_API_KEY", "")
	p.VectorStoreCollection = getEnvOrDefault("VECTOR_STORE_COLLECTION", "company_data")
	p.VectorStoreTimeout = getEnvOrDefaultInt("VECTOR_STORE_TIMEOUT_SECONDS", 5)

	// Task queue configuration
	p.QueueDriver = getEnvOrDefault("QUEUE_DRIVER", "")
	p.QueueURL = getEnvOrDefault("QUEUE_URL", "")

	// Ingestion configuration
	p.IngestWorkers = getEnvOrDefaultInt("INGEST_WORKERS", 4)
	p.MaxFileSizeMB = getEnvOrDefaultInt("MAX_FILE_SIZE_MB", 50)
	p.ExtractorURL = getEnvOrDefault("EXTRACTOR_URL", "")
	p.ExtractorVisionModel = getEnvOrDefault("EXTRACTOR_VISION_MODEL", "")
	p.ExtractorTimeout = getEnvOrDefaultInt("EXTRACTOR_TIMEOUT_SECONDS", 120)

	// Webhook delivery configuration
	p.WebhookTimeoutSeconds = getEnvOrDefaultInt("WEBHOOK_TIMEOUT_SECONDS", 30)
	p.WebhookMaxAttempts = getEnvOrDefaultInt("WEBHOOK_MAX_ATTEMPTS", 3)

	// CORS registry configuration
	p.CORSCacheTTLSeconds = getEnvOrDefaultInt("CORS_CACHE_TTL_SECONDS", 300)

	// Chat configuration
	p.ChatRateLimitRPS = getEnvOrDefaultFloat("CHAT_RATE_LIMIT_RPS", 5)
	p.ChatRateLimitBurst = getEnvOrDefaultInt("CHAT_RATE_LIMIT_BURST", 10)
	p.OrderTaxRate = getEnvOrDefaultFloat("ORDER_TAX_RATE", 0.10)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	// Queue driver defaults per mode: redis in prod, sqlite in dev.
	if p.QueueDriver == "" {
		if p.Mode == "prod" {
			p.QueueDriver = "redis"
		} else {
			p.QueueDriver = "sqlite"
		}
	}
	if p.QueueDriver != "redis" && p.QueueDriver != "sqlite" {
		return errors.Errorf("unsupported queue driver %q (want redis or sqlite)", p.QueueDriver)
	}
	if p.QueueDriver == "redis" && p.QueueURL == "" {
		if p.Mode == "prod" {
			return errors.New("QUEUE_URL is required when the queue driver is redis")
		}
		p.QueueURL = "redis://localhost:6379"
	}

	if p.VectorStoreDriver != "qdrant" && p.VectorStoreDriver != "pgvector" {
		return errors.Errorf("unsupported vector store driver %q (want qdrant or pgvector)", p.VectorStoreDriver)
	}
	if p.VectorSize <= 0 {
		return errors.Errorf("invalid vector size %d", p.VectorSize)
	}

	if p.Mode == "prod" {
		if p.InternalAPIKey == "" {
			return errors.New("INTERNAL_API_KEY is required in prod mode")
		}
		if p.WebhookSecret == "" {
			return errors.New("WEBHOOK_SECRET is required in prod mode")
		}
		if p.BackendWebhookURL == "" {
			return errors.New("BACKEND_WEBHOOK_URL is required in prod mode")
		}
		if p.LLMProviderKey == "" {
			return errors.New("LLM_PROVIDER_KEY is required in prod mode")
		}
	} else if p.InternalAPIKey == "" {
		slog.Warn("INTERNAL_API_KEY is not set; internal endpoints reject all requests")
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "aiservice")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/aiservice"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.QueueDriver == "sqlite" && p.QueueDSN == "" {
		p.QueueDSN = filepath.Join(dataDir, fmt.Sprintf("aiservice_%s.db", p.Mode))
	}

	return nil
}
