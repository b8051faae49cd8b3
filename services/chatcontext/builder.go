// Package chatcontext produces the system prompt and tool declarations sent
// with every chat request. The gateway forwards the bundle unchanged.
package chatcontext

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/crewledger/ai-gateway/services/providers"
)

// Principal identifies the caller the context is built for
type Principal struct {
	Subject string
	Name    string
	Email   string
}

// Bundle is the system prompt plus the tools the model may call
type Bundle struct {
	SystemPrompt string
	Tools        []providers.ToolDeclaration
}

// Builder produces a Bundle for a caller
type Builder interface {
	Build(ctx context.Context, principal Principal) (*Bundle, error)
}

// ToolCatalog lists the tool declarations offered to the model
type ToolCatalog interface {
	Declarations() []providers.ToolDeclaration
}

// Config holds the prompt settings
type Config struct {
	AppName  string
	Location *time.Location
}

// DefaultConfig returns the prompt settings used when none are configured
func DefaultConfig() Config {
	return Config{
		AppName:  "CrewLedger",
		Location: time.UTC,
	}
}

const defaultPrompt = `You are the {{.AppName}} assistant, helping a small business owner run their service company.
You answer questions about clients, workers, time sheets and quotes, and give practical advice.
Today is {{.Date}}.
{{- if .UserName}}
You are talking to {{.UserName}}.
{{- end}}
{{- if .HasTools}}
When the user asks about numbers for their business, call the available tools instead of guessing. Never invent figures.
{{- end}}
Keep answers short and concrete. Use plain text; do not use tables.`

var promptTemplate = template.Must(template.New("system").Parse(defaultPrompt))

type promptData struct {
	AppName  string
	Date     string
	UserName string
	HasTools bool
}

// DefaultBuilder renders the business assistant prompt
type DefaultBuilder struct {
	config Config
	tools  ToolCatalog
	now    func() time.Time
}

// NewDefaultBuilder creates a builder; tools may be nil to offer no tools
func NewDefaultBuilder(config Config, tools ToolCatalog) *DefaultBuilder {
	if config.AppName == "" {
		config.AppName = DefaultConfig().AppName
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &DefaultBuilder{
		config: config,
		tools:  tools,
		now:    time.Now,
	}
}

// Build renders the system prompt for principal
func (b *DefaultBuilder) Build(ctx context.Context, principal Principal) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var declarations []providers.ToolDeclaration
	if b.tools != nil {
		declarations = b.tools.Declarations()
	}

	name := principal.Name
	if name == "" {
		name = principal.Email
	}

	data := promptData{
		AppName:  b.config.AppName,
		Date:     b.now().In(b.config.Location).Format("Monday, January 2, 2006"),
		UserName: name,
		HasTools: len(declarations) > 0,
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	return &Bundle{
		SystemPrompt: buf.String(),
		Tools:        declarations,
	}, nil
}
