// Package backend owns the single active language-model backend and its
// lifecycle. All mutation goes through the Engine's transition methods;
// any number of requests may read status snapshots concurrently.
package backend

import "time"

// Kind identifies a backend variant.
type Kind string

// The closed set of backend variants.
const (
	KindNone        Kind = "none"
	KindLocal       Kind = "local"
	KindOllama      Kind = "ollama"
	KindVLLM        Kind = "vllm"
	KindInstructLab Kind = "instructlab"
	KindGemini      Kind = "gemini"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindLocal, KindOllama, KindVLLM, KindInstructLab, KindGemini:
		return Kind(s), true
	default:
		return KindNone, false
	}
}

// Status is the lifecycle state of the active backend.
type Status string

// Lifecycle states. Loading is used only by the local variant (weights
// loaded into process memory); Configuring by HTTP variants (endpoint and
// credential validation, no heavy load).
const (
	StatusInactive    Status = "inactive"
	StatusLoading     Status = "loading"
	StatusConfiguring Status = "configuring"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
	StatusUnloading   Status = "unloading"
)

// GenerationConfig holds sampling parameters for generation requests.
// It is always copied by value; shared state is never mutated through it.
type GenerationConfig struct {
	MaxNewTokens      int     `json:"max_new_tokens" koanf:"max_new_tokens"`
	Temperature       float64 `json:"temperature" koanf:"temperature"`
	TopP              float64 `json:"top_p" koanf:"top_p"`
	TopK              int     `json:"top_k" koanf:"top_k"`
	RepetitionPenalty float64 `json:"repetition_penalty" koanf:"repetition_penalty"`
}

// DefaultGenerationConfig returns the baseline sampling parameters.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxNewTokens:      512,
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              40,
		RepetitionPenalty: 1.1,
	}
}

// Merged returns a copy of c with non-zero fields of override applied.
func (c GenerationConfig) Merged(override GenerationConfig) GenerationConfig {
	out := c
	if override.MaxNewTokens > 0 {
		out.MaxNewTokens = override.MaxNewTokens
	}
	if override.Temperature > 0 {
		out.Temperature = override.Temperature
	}
	if override.TopP > 0 {
		out.TopP = override.TopP
	}
	if override.TopK > 0 {
		out.TopK = override.TopK
	}
	if override.RepetitionPenalty > 0 {
		out.RepetitionPenalty = override.RepetitionPenalty
	}
	return out
}

// Options carries per-backend configuration for SetActiveBackend.
type Options struct {
	// Endpoint is the base URL of an HTTP backend (Ollama, vLLM,
	// InstructLab). Required for vLLM and InstructLab; Ollama defaults to
	// http://localhost:11434.
	Endpoint string `json:"endpoint" koanf:"endpoint"`

	// APIKey is the credential for backends that require one (Gemini; also
	// sent as bearer token to OpenAI-compatible endpoints).
	APIKey string `json:"api_key" koanf:"api_key"`

	// ModelPath is the local weights file (local variant only).
	ModelPath string `json:"model_path" koanf:"model_path"`

	// ContextSize is the model context length in tokens. Used by the local
	// variant at load time and reported in ModelMeta.
	ContextSize int `json:"context_size" koanf:"context_size"`

	// Threads bounds inference threads for the local variant.
	Threads int `json:"threads" koanf:"threads"`
}

// State is a snapshot of the backend lifecycle. Exactly one live State
// exists per process, owned by the Engine; snapshots are copies.
type State struct {
	Status       Status           `json:"status"`
	Kind         Kind             `json:"backend_kind"`
	ActiveModel  string           `json:"active_model,omitempty"`
	Generation   GenerationConfig `json:"generation_config"`
	LastError    string           `json:"last_error,omitempty"`
	LoadDuration time.Duration    `json:"load_duration,omitempty"`
}

// ModelMeta describes the active model's context window for prompt budgeting.
type ModelMeta struct {
	// MaxModelLength is the context window size in tokens.
	MaxModelLength int
}
