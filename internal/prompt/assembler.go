// Package prompt fits retrieved context, conversation history, and the
// current query into a model's context window with deterministic, ordered
// truncation.
package prompt

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var assemblerTracer = otel.Tracer("ragd.prompt")

// Component names used in truncation logs.
const (
	ComponentRecentHistory  = "recent_history"
	ComponentHistoryDigest  = "history_digest"
	ComponentDocumentDigest = "document_digest"
	ComponentAssembled      = "assembled"
)

const (
	defaultSafetyBuffer = 10
	defaultInstruction  = "You are a helpful assistant. Use the provided context to answer the user's question. If the context does not contain the answer, say so."

	documentHeader = "\n\n### Retrieved documents\n"
	historyHeader  = "\n\n### Conversation summary\n"
	recentHeader   = "\n\n### Recent conversation\n"
	queryPrefix    = "\n\nUser: "
	responseMarker = "\nAssistant:"
)

// Config controls prompt assembly.
type Config struct {
	// Instruction is the system preamble placed at the top of every prompt.
	Instruction string `koanf:"instruction"`
	// SafetyBuffer is subtracted from the context window on top of the
	// fixed cost and the generation reservation.
	SafetyBuffer int `koanf:"safety_buffer"`
}

func (c *Config) ApplyDefaults() {
	if c.Instruction == "" {
		c.Instruction = defaultInstruction
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = defaultSafetyBuffer
	}
}

// Turn is one verbatim message from the recent window, oldest first.
type Turn struct {
	Role    string
	Content string
}

// Input carries everything one assembly call needs. Digests may be empty;
// empty components cost nothing and are omitted.
type Input struct {
	Query          string
	DocumentDigest string
	HistoryDigest  string
	RecentHistory  []Turn

	MaxModelLength int
	MaxNewTokens   int
}

// Truncation records tokens removed from one component, in removal order.
type Truncation struct {
	Component     string `json:"component"`
	TokensRemoved int    `json:"tokens_removed"`
}

// AssembledPrompt is the final bounded prompt plus observability metadata.
type AssembledPrompt struct {
	Text           string
	TokenCount     int
	Truncations    []Truncation
	Minimal        bool
	BudgetExceeded bool
}

// Assembler allocates the token budget across prompt components.
type Assembler struct {
	config    Config
	tokenizer Tokenizer
	logger    *zap.Logger
}

func NewAssembler(config Config, tokenizer Tokenizer, logger *zap.Logger) *Assembler {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.Named("prompt"),
	}
}

// section is an optional prompt component: a fixed header plus a trimmable
// body. Header tokens are part of the component's cost but are only removed
// when the body is consumed entirely, at which point the whole section is
// omitted.
type section struct {
	name     string
	header   []int
	body     []int
	trimTail bool
	removed  int
	dropped  bool
}

func (s *section) cost() int {
	if s.dropped || len(s.body) == 0 {
		return 0
	}
	return len(s.header) + len(s.body)
}

// trim removes up to need tokens from the section and returns how many
// were freed. Tail sections keep their beginning; head sections keep their
// most recent end.
func (s *section) trim(need int) int {
	if s.dropped || len(s.body) == 0 {
		return 0
	}
	if need >= len(s.body) {
		freed := len(s.header) + len(s.body)
		s.removed += len(s.body)
		s.body = nil
		s.dropped = true
		return freed
	}
	s.removed += need
	if s.trimTail {
		s.body = s.body[:len(s.body)-need]
	} else {
		s.body = s.body[need:]
	}
	return need
}

// Assemble builds the prompt for one turn. The returned text never exceeds
// MaxModelLength minus MaxNewTokens tokens.
func (a *Assembler) Assemble(ctx context.Context, in Input) AssembledPrompt {
	_, span := assemblerTracer.Start(ctx, "prompt.Assemble")
	defer span.End()

	queryBlock := queryPrefix + in.Query + responseMarker
	fixed := a.tokenizer.Count(a.config.Instruction) + a.tokenizer.Count(queryBlock)
	reserved := fixed + in.MaxNewTokens + a.config.SafetyBuffer
	available := in.MaxModelLength - reserved

	span.SetAttributes(
		attribute.Int("prompt.fixed_tokens", fixed),
		attribute.Int("prompt.available_tokens", available),
	)

	if available <= 0 {
		a.logger.Warn("context window exhausted by fixed prompt parts, emitting minimal prompt",
			zap.Int("max_model_length", in.MaxModelLength),
			zap.Int("reserved", reserved))
		text := a.config.Instruction + queryBlock
		return a.finish(AssembledPrompt{Text: text, Minimal: true}, in, span)
	}

	sections := []*section{
		{name: ComponentDocumentDigest, trimTail: true},
		{name: ComponentHistoryDigest, trimTail: true},
		{name: ComponentRecentHistory, trimTail: false},
	}
	sections[0].header, sections[0].body = a.tokenizeSection(documentHeader, in.DocumentDigest)
	sections[1].header, sections[1].body = a.tokenizeSection(historyHeader, in.HistoryDigest)
	sections[2].header, sections[2].body = a.tokenizeSection(recentHeader, formatTurns(in.RecentHistory))

	total := 0
	for _, s := range sections {
		total = total + s.cost()
	}

	var truncations []Truncation
	if overflow := total - available; overflow > 0 {
		// Strict removal priority: verbatim history first, then the
		// history digest, then the document digest.
		for _, name := range []string{ComponentRecentHistory, ComponentHistoryDigest, ComponentDocumentDigest} {
			if overflow <= 0 {
				break
			}
			s := findSection(sections, name)
			freed := s.trim(overflow)
			if freed > 0 {
				overflow -= freed
				truncations = append(truncations, Truncation{Component: s.name, TokensRemoved: s.removed})
			}
		}
	}

	var b strings.Builder
	b.WriteString(a.config.Instruction)
	for _, s := range sections {
		if s.dropped || len(s.body) == 0 {
			continue
		}
		b.WriteString(a.tokenizer.Decode(s.header))
		b.WriteString(a.tokenizer.Decode(s.body))
	}
	b.WriteString(queryBlock)

	return a.finish(AssembledPrompt{Text: b.String(), Truncations: truncations}, in, span)
}

// finish applies the final hard bound and fills in the token count.
func (a *Assembler) finish(p AssembledPrompt, in Input, span trace.Span) AssembledPrompt {
	tokens := a.tokenizer.Encode(p.Text)
	bound := in.MaxModelLength - in.MaxNewTokens
	if bound > 0 && len(tokens) > bound {
		removed := len(tokens) - bound
		a.logger.Error("assembled prompt exceeded hard budget, truncating",
			zap.Int("token_count", len(tokens)),
			zap.Int("bound", bound),
			zap.Int("tokens_removed", removed))
		tokens = tokens[:bound]
		p.Text = a.tokenizer.Decode(tokens)
		p.Truncations = append(p.Truncations, Truncation{Component: ComponentAssembled, TokensRemoved: removed})
		p.BudgetExceeded = true
	}
	p.TokenCount = len(tokens)
	span.SetAttributes(attribute.Int("prompt.token_count", p.TokenCount))
	return p
}

func (a *Assembler) tokenizeSection(header, body string) ([]int, []int) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	return a.tokenizer.Encode(header), a.tokenizer.Encode(body)
}

func findSection(sections []*section, name string) *section {
	for _, s := range sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

func formatTurns(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch t.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(t.Content)
	}
	return b.String()
}
