// Package config provides configuration loading for ragd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, with hardcoded defaults filling the gaps.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/backend"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/indexer"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/summarize"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/turn"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Config holds the complete ragd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  embeddings.Config `koanf:"embeddings"`
	Backend     BackendConfig     `koanf:"backend"`
	Retrieval   retrieval.Config  `koanf:"retrieval"`
	Summarize   summarize.Config  `koanf:"summarize"`
	Prompt      prompt.Config     `koanf:"prompt"`
	Indexer     indexer.Config    `koanf:"indexer"`
	Turn        turn.Config       `koanf:"turn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// VectorStoreConfig selects and configures the vector store.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string                    `koanf:"provider"`
	Chromem  vectorstore.ChromemConfig `koanf:"chromem"`
	Qdrant   vectorstore.QdrantConfig  `koanf:"qdrant"`
}

// BackendConfig holds the backend activated at startup plus engine sizing.
// An empty Kind starts the process with no active backend; one is selected
// later through the API.
type BackendConfig struct {
	Kind        string `koanf:"kind"`
	Model       string `koanf:"model"`
	Endpoint    string `koanf:"endpoint"`
	APIKey      Secret `koanf:"api_key"`
	ModelPath   string `koanf:"model_path"`
	ContextSize int    `koanf:"context_size"`
	Threads     int    `koanf:"threads"`

	Engine     backend.EngineConfig     `koanf:"engine"`
	Generation backend.GenerationConfig `koanf:"generation"`
}

// Options converts the startup backend settings to adapter options.
func (c BackendConfig) Options() backend.Options {
	return backend.Options{
		Endpoint:    c.Endpoint,
		APIKey:      c.APIKey.Value(),
		ModelPath:   c.ModelPath,
		ContextSize: c.ContextSize,
		Threads:     c.Threads,
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}

	cfg.Logging.ApplyDefaults()
	cfg.Telemetry.ApplyDefaults()
	cfg.VectorStore.Chromem.ApplyDefaults()
	cfg.VectorStore.Qdrant.ApplyDefaults()
	cfg.Backend.Engine.ApplyDefaults()
	cfg.Retrieval.ApplyDefaults()
	cfg.Summarize.ApplyDefaults()
	cfg.Prompt.ApplyDefaults()
	cfg.Indexer.ApplyDefaults()
	cfg.Turn.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	switch c.VectorStore.Provider {
	case "chromem":
	case "qdrant":
		if err := c.VectorStore.Qdrant.Validate(); err != nil {
			return fmt.Errorf("qdrant config: %w", err)
		}
	default:
		return fmt.Errorf("unknown vector store provider %q", c.VectorStore.Provider)
	}

	if c.Backend.Kind != "" {
		if _, ok := backend.ParseKind(c.Backend.Kind); !ok {
			return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
		}
		if c.Backend.Model == "" {
			return fmt.Errorf("backend model required when a startup backend is configured")
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	return nil
}
