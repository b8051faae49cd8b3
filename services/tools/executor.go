// Package tools exposes business analytics to the model as callable tools.
// Arguments are checked against each tool's JSON schema before the data
// source is queried.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/crewledger/ai-gateway/models"
	"github.com/crewledger/ai-gateway/services"
	"github.com/crewledger/ai-gateway/services/providers"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Tool names offered to the model
const (
	ToolDashboardStats = "get_dashboard_stats"
	ToolDetailedStats  = "get_detailed_stats"
)

// StatsSource supplies the aggregates behind the tools
type StatsSource interface {
	GetDashboardStats(ctx context.Context, period models.Period) (*models.DashboardStats, error)
	GetDetailedStats(ctx context.Context, filter models.StatsFilter) (*models.DetailedStats, error)
}

const dashboardSchema = `{
	"type": "object",
	"properties": {
		"period": {
			"type": "string",
			"enum": ["today", "week", "month", "quarter", "year"],
			"description": "Reporting period ending now"
		}
	},
	"required": ["period"],
	"additionalProperties": false
}`

const detailedSchema = `{
	"type": "object",
	"properties": {
		"period": {
			"type": "string",
			"enum": ["today", "week", "month", "quarter", "year"],
			"description": "Reporting period ending now"
		},
		"client_id": {
			"type": "integer",
			"minimum": 1,
			"description": "Only include work and quotes for this client"
		},
		"worker_id": {
			"type": "integer",
			"minimum": 1,
			"description": "Only include hours logged by this worker"
		}
	},
	"required": ["period"],
	"additionalProperties": false
}`

type tool struct {
	declaration providers.ToolDeclaration
	schema      *gojsonschema.Schema
	run         func(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// Executor runs the analytics tools
type Executor struct {
	source StatsSource
	tools  map[string]*tool
	cache  *ResultCache
	logger *zap.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithCache reuses results of identical calls while they are fresh
func WithCache(cache *ResultCache) Option {
	return func(e *Executor) {
		e.cache = cache
	}
}

// NewExecutor compiles the tool schemas and binds them to source
func NewExecutor(source StatsSource, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if source == nil {
		return nil, fmt.Errorf("stats source is required")
	}

	e := &Executor{
		source: source,
		tools:  make(map[string]*tool),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.register(ToolDashboardStats,
		"Business overview for a period: active clients and workers, hours worked, quotes sent and accepted with amounts.",
		dashboardSchema, e.dashboardStats); err != nil {
		return nil, err
	}
	if err := e.register(ToolDetailedStats,
		"Hours per worker and per client plus a quote summary for a period, optionally filtered by client or worker.",
		detailedSchema, e.detailedStats); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Executor) register(name, description, schema string, run func(context.Context, json.RawMessage) (interface{}, error)) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	e.tools[name] = &tool{
		declaration: providers.ToolDeclaration{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(schema),
		},
		schema: compiled,
		run:    run,
	}
	return nil
}

// Declarations lists the tools in a stable order
func (e *Executor) Declarations() []providers.ToolDeclaration {
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	declarations := make([]providers.ToolDeclaration, 0, len(names))
	for _, name := range names {
		declarations = append(declarations, e.tools[name].declaration)
	}
	return declarations
}

// Invoke validates arguments, runs the tool and returns its JSON result
func (e *Executor) Invoke(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	t, ok := e.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", services.ErrUnknownTool, name)
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}

	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(arguments))
	if err != nil {
		return "", fmt.Errorf("%w: arguments must be a JSON object: %v", services.ErrInvalidArguments, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return "", fmt.Errorf("%w for %s: %s", services.ErrInvalidArguments, name, strings.Join(problems, "; "))
	}

	key, cacheable := "", false
	if e.cache != nil {
		key, cacheable = cacheKey(name, arguments)
	}
	if cacheable {
		if cached, hit := e.cache.Get(key); hit {
			e.logger.Debug("tool result served from cache", zap.String("tool", name))
			return cached, nil
		}
	}

	out, err := t.run(ctx, arguments)
	if err != nil {
		e.logFailure(name, err)
		return "", err
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return "", services.WrapInternal("encode tool result", err)
	}
	if cacheable {
		e.cache.Set(key, string(encoded))
	}

	e.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Int("bytes", len(encoded)))
	return string(encoded), nil
}

// logFailure keeps calls the model can correct out of the warning log
func (e *Executor) logFailure(name string, err error) {
	if services.IsNotFoundError(err) || services.IsValidationError(err) {
		e.logger.Info("tool call rejected",
			zap.String("tool", name),
			zap.Error(err))
		return
	}
	e.logger.Warn("tool failed",
		zap.String("tool", name),
		zap.Error(err))
}

func (e *Executor) dashboardStats(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var args struct {
		Period models.Period `json:"period"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidArguments, err)
	}
	return e.source.GetDashboardStats(ctx, args.Period)
}

func (e *Executor) detailedStats(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var filter models.StatsFilter
	if err := json.Unmarshal(arguments, &filter); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidArguments, err)
	}
	return e.source.GetDetailedStats(ctx, filter)
}
