package profile

import (
	"os"
	"strings"
	"testing"
)

// TestProfileDefaults verifies the documented defaults when no environment
// variables are set.
func TestProfileDefaults(t *testing.T) {
	clearEnvVars(t)

	profile := &Profile{}
	profile.FromEnv()

	tests := []struct {
		name     string
		expected string
		actual   string
	}{
		{"LLMProvider default", "openai", profile.LLMProvider},
		{"LLMBaseURL default", "https://api.openai.com/v1", profile.LLMBaseURL},
		{"LLMModel default", "gpt-4o-mini", profile.LLMModel},
		{"EmbeddingModel default", "text-embedding-3-small", profile.EmbeddingModel},
		{"VectorStoreDriver default", "qdrant", profile.VectorStoreDriver},
		{"VectorStoreURL default", "http://localhost:6333", profile.VectorStoreURL},
		{"VectorStoreCollection default", "company_data", profile.VectorStoreCollection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, tt.actual)
			}
		})
	}

	intTests := []struct {
		name     string
		expected int
		actual   int
	}{
		{"VectorSize default", 1536, profile.VectorSize},
		{"LLMTimeout default", 60, profile.LLMTimeout},
		{"EmbeddingTimeout default", 10, profile.EmbeddingTimeout},
		{"VectorStoreTimeout default", 5, profile.VectorStoreTimeout},
		{"ExtractorTimeout default", 120, profile.ExtractorTimeout},
		{"WebhookTimeoutSeconds default", 30, profile.WebhookTimeoutSeconds},
		{"WebhookMaxAttempts default", 3, profile.WebhookMaxAttempts},
		{"CORSCacheTTLSeconds default", 300, profile.CORSCacheTTLSeconds},
		{"MaxFileSizeMB default", 50, profile.MaxFileSizeMB},
		{"IngestWorkers default", 4, profile.IngestWorkers},
		{"ChatRateLimitBurst default", 10, profile.ChatRateLimitBurst},
	}

	for _, tt := range intTests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("%s: expected %d, got %d", tt.name, tt.expected, tt.actual)
			}
		})
	}

	if profile.OrderTaxRate != 0.10 {
		t.Errorf("OrderTaxRate: expected 0.10, got %v", profile.OrderTaxRate)
	}
}

// TestProfileFromEnv verifies reading configuration from environment
// variables, including the AISERVICE_ prefix precedence over bare names.
func TestProfileFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envs     map[string]string
		field    func(*Profile) string
		expected string
	}{
		{
			name:     "bare name is read",
			envs:     map[string]string{"INTERNAL_API_KEY": "bare-key"},
			field:    func(p *Profile) string { return p.InternalAPIKey },
			expected: "bare-key",
		},
		{
			name: "prefixed name wins over bare name",
			envs: map[string]string{
				"WEBHOOK_SECRET":           "bare-secret",
				"AISERVICE_WEBHOOK_SECRET": "prefixed-secret",
			},
			field:    func(p *Profile) string { return p.WebhookSecret },
			expected: "prefixed-secret",
		},
		{
			name:     "deepseek provider applies its base URL default",
			envs:     map[string]string{"LLM_PROVIDER": "deepseek"},
			field:    func(p *Profile) string { return p.LLMBaseURL },
			expected: "https://api.deepseek.com",
		},
		{
			name:     "deepseek provider applies its model default",
			envs:     map[string]string{"LLM_PROVIDER": "deepseek"},
			field:    func(p *Profile) string { return p.LLMModel },
			expected: "deepseek-chat",
		},
		{
			name: "explicit base URL is not overridden by provider default",
			envs: map[string]string{
				"LLM_PROVIDER": "deepseek",
				"LLM_BASE_URL": "http://localhost:8000/v1",
			},
			field:    func(p *Profile) string { return p.LLMBaseURL },
			expected: "http://localhost:8000/v1",
		},
		{
			name:     "unknown provider falls back to openai",
			envs:     map[string]string{"LLM_PROVIDER": "not-a-provider"},
			field:    func(p *Profile) string { return p.LLMProvider },
			expected: "openai",
		},
		{
			name:     "backend webhook URL",
			envs:     map[string]string{"BACKEND_WEBHOOK_URL": "https://backend.example.com"},
			field:    func(p *Profile) string { return p.BackendWebhookURL },
			expected: "https://backend.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}

			profile := &Profile{}
			profile.FromEnv()

			actual := tt.field(profile)
			if actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, actual)
			}
		})
	}
}

// TestValidate covers mode normalization and per-mode requirements.
func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Profile {
		clearEnvVars(t)
		p := &Profile{Data: t.TempDir()}
		p.FromEnv()
		return p
	}

	t.Run("unknown mode normalizes to dev", func(t *testing.T) {
		p := base(t)
		p.Mode = "staging"
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		if p.Mode != "dev" {
			t.Errorf("expected mode dev, got %q", p.Mode)
		}
	})

	t.Run("dev mode defaults queue driver to sqlite and derives DSN", func(t *testing.T) {
		p := base(t)
		p.Mode = "dev"
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		if p.QueueDriver != "sqlite" {
			t.Errorf("expected queue driver sqlite, got %q", p.QueueDriver)
		}
		if !strings.HasSuffix(p.QueueDSN, "aiservice_dev.db") {
			t.Errorf("expected derived sqlite DSN, got %q", p.QueueDSN)
		}
	})

	t.Run("dev mode defaults redis queue URL", func(t *testing.T) {
		p := base(t)
		p.Mode = "dev"
		p.QueueDriver = "redis"
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		if p.QueueURL != "redis://localhost:6379" {
			t.Errorf("expected default redis url, got %q", p.QueueURL)
		}
	})

	t.Run("prod mode requires internal API key", func(t *testing.T) {
		p := base(t)
		p.Mode = "prod"
		p.QueueURL = "redis://localhost:6379"
		if err := p.Validate(); err == nil {
			t.Fatal("expected error for missing INTERNAL_API_KEY")
		}
	})

	t.Run("prod mode passes with required keys", func(t *testing.T) {
		p := base(t)
		p.Mode = "prod"
		p.InternalAPIKey = "internal-key"
		p.WebhookSecret = "webhook-secret"
		p.BackendWebhookURL = "https://backend.example.com"
		p.LLMProviderKey = "sk-test"
		p.QueueURL = "redis://localhost:6379"
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		if p.QueueDriver != "redis" {
			t.Errorf("expected queue driver redis, got %q", p.QueueDriver)
		}
	})

	t.Run("rejects unknown queue driver", func(t *testing.T) {
		p := base(t)
		p.QueueDriver = "kafka"
		if err := p.Validate(); err == nil {
			t.Fatal("expected error for unsupported queue driver")
		}
	})

	t.Run("rejects unknown vector store driver", func(t *testing.T) {
		p := base(t)
		p.VectorStoreDriver = "weaviate"
		if err := p.Validate(); err == nil {
			t.Fatal("expected error for unsupported vector store driver")
		}
	})
}

// clearEnvVars unsets every configuration variable this package reads, in
// both prefixed and bare forms.
func clearEnvVars(t *testing.T) {
	t.Helper()
	keys := []string{
		"INTERNAL_API_KEY",
		"WEBHOOK_SECRET",
		"BACKEND_WEBHOOK_URL",
		"LLM_PROVIDER",
		"LLM_PROVIDER_KEY",
		"LLM_BASE_URL",
		"LLM_MODEL",
		"LLM_TIMEOUT_SECONDS",
		"EMBEDDING_MODEL",
		"VECTOR_SIZE",
		"EMBEDDING_TIMEOUT_SECONDS",
		"VECTOR_STORE_DRIVER",
		"VECTOR_STORE_URL",
		"VECTOR_STORE_API_KEY",
		"VECTOR_STORE_COLLECTION",
		"VECTOR_STORE_TIMEOUT_SECONDS",
		"QUEUE_DRIVER",
		"QUEUE_URL",
		"INGEST_WORKERS",
		"MAX_FILE_SIZE_MB",
		"EXTRACTOR_URL",
		"EXTRACTOR_VISION_MODEL",
		"EXTRACTOR_TIMEOUT_SECONDS",
		"WEBHOOK_TIMEOUT_SECONDS",
		"WEBHOOK_MAX_ATTEMPTS",
		"CORS_CACHE_TTL_SECONDS",
		"CHAT_RATE_LIMIT_RPS",
		"CHAT_RATE_LIMIT_BURST",
		"ORDER_TAX_RATE",
	}
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok {
			t.Setenv(key, v)
			os.Unsetenv(key)
		}
		prefixed := "AISERVICE_" + key
		if v, ok := os.LookupEnv(prefixed); ok {
			t.Setenv(prefixed, v)
			os.Unsetenv(prefixed)
		}
	}
}
