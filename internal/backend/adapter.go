package backend

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// AdapterStatus is the adapter-level readiness report.
type AdapterStatus struct {
	Ready   bool
	Details string
}

// Adapter is the uniform capability surface over a model-execution target.
//
// Construction validates configuration and fails fast; Configure performs
// the variant's (cheap) setup. Variants with expensive warmup additionally
// implement WeightLoader and are prepared on a background worker instead.
type Adapter interface {
	Kind() Kind
	ModelID() string

	// Configure prepares the adapter for generation. For HTTP variants this
	// validates the endpoint and builds the client; it must be inexpensive.
	Configure(ctx context.Context) error

	// Generate produces text for the prompt using the given sampling config.
	Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)

	// Unload releases the adapter's resources.
	Unload(ctx context.Context) error

	// Status reports adapter-level readiness.
	Status() AdapterStatus
}

// WeightLoader is implemented by adapters whose preparation is heavyweight
// (model weights loaded into process memory). The Engine dispatches Load to
// a background worker and tracks it with a generation counter.
type WeightLoader interface {
	Load(ctx context.Context) error
}

// newAdapter constructs and validates an adapter for the given kind.
// Missing required configuration returns a *ConfigurationError.
func newAdapter(kind Kind, modelID string, opts Options, logger *zap.Logger) (Adapter, error) {
	if modelID == "" {
		return nil, &ConfigurationError{Kind: kind, Reason: "model id is required"}
	}

	switch kind {
	case KindLocal:
		if opts.ModelPath == "" {
			return nil, &ConfigurationError{Kind: kind, Reason: "model path is required"}
		}
		return newLocalAdapter(modelID, opts, logger), nil

	case KindOllama:
		endpoint := opts.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		if err := validateEndpoint(endpoint); err != nil {
			return nil, &ConfigurationError{Kind: kind, Reason: err.Error()}
		}
		opts.Endpoint = endpoint
		return newRemoteAdapter(kind, modelID, opts, logger), nil

	case KindVLLM, KindInstructLab:
		if opts.Endpoint == "" {
			return nil, &ConfigurationError{Kind: kind, Reason: "endpoint is required"}
		}
		if err := validateEndpoint(opts.Endpoint); err != nil {
			return nil, &ConfigurationError{Kind: kind, Reason: err.Error()}
		}
		return newRemoteAdapter(kind, modelID, opts, logger), nil

	case KindGemini:
		if opts.APIKey == "" {
			return nil, &ConfigurationError{Kind: kind, Reason: "api key is required"}
		}
		return newRemoteAdapter(kind, modelID, opts, logger), nil

	default:
		return nil, &ConfigurationError{Kind: kind, Reason: ErrUnknownKind.Error()}
	}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	return nil
}
