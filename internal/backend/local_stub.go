//go:build !llama

package backend

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = false

// ErrLlamaNotBuilt is returned when the local variant is requested from a
// binary built without the 'llama' build tag. Default builds stay CGO-free.
var ErrLlamaNotBuilt = errors.New("local llama support not built (missing 'llama' build tag)")

// localAdapter is the no-CGO stub. It still implements WeightLoader so the
// Engine exercises the full Loading path; Load fails fast and the state
// machine lands on Failed, exactly as a real load failure would.
type localAdapter struct {
	modelID string
	opts    Options
}

func newLocalAdapter(modelID string, opts Options, _ *zap.Logger) Adapter {
	return &localAdapter{modelID: modelID, opts: opts}
}

func (a *localAdapter) Kind() Kind      { return KindLocal }
func (a *localAdapter) ModelID() string { return a.modelID }

func (a *localAdapter) Configure(_ context.Context) error {
	return nil
}

func (a *localAdapter) Load(_ context.Context) error {
	return &LoadError{Model: a.modelID, Err: ErrLlamaNotBuilt}
}

func (a *localAdapter) Generate(_ context.Context, _ string, _ GenerationConfig) (string, error) {
	return "", ErrLlamaNotBuilt
}

func (a *localAdapter) Unload(_ context.Context) error {
	return nil
}

func (a *localAdapter) Status() AdapterStatus {
	return AdapterStatus{Ready: false, Details: ErrLlamaNotBuilt.Error()}
}
