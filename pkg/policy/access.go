package policy

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is what a rule sees about an inbound shared-store request.
type Request struct {
	Origin string
	Kind   string
	Name   string
}

func (r Request) vars() map[string]any {
	return map[string]any{
		"origin": r.Origin,
		"kind":   r.Kind,
		"name":   r.Name,
	}
}

// Access decides whether a request is served.
type Access interface {
	Allow(ctx context.Context, req Request) bool
}

// AccessFunc adapts a function to Access.
type AccessFunc func(ctx context.Context, req Request) bool

func (fn AccessFunc) Allow(ctx context.Context, req Request) bool {
	if fn == nil {
		return false
	}
	return fn(ctx, req)
}

// AllowAll serves every request.
var AllowAll Access = AccessFunc(func(context.Context, Request) bool { return true })

// Rule is a boolean expression over origin, kind, name and now.
type Rule struct {
	Expression string `json:"expression" yaml:"expression" koanf:"expression" mapstructure:"expression"`
	Engine     string `json:"engine" yaml:"engine" koanf:"engine" mapstructure:"engine"`
}

// Option configures compiled rules.
type Option func(*compileConfig)

type compileConfig struct {
	cache     ProgramCache
	functions *FunctionRegistry
	logger    EvaluatorLogger
	now       func() time.Time
}

// WithProgramCache shares compiled programs across rules.
func WithProgramCache(cache ProgramCache) Option {
	return func(cfg *compileConfig) {
		cfg.cache = cache
	}
}

// WithFunctionRegistry exposes registry functions to every engine.
func WithFunctionRegistry(registry *FunctionRegistry) Option {
	return func(cfg *compileConfig) {
		if registry != nil {
			cfg.functions = registry.Clone()
		}
	}
}

// WithEvaluatorLogger records every evaluation.
func WithEvaluatorLogger(logger EvaluatorLogger) Option {
	return func(cfg *compileConfig) {
		if logger == nil {
			cfg.logger = noopEvaluatorLogger{}
			return
		}
		cfg.logger = logger
	}
}

// WithClock overrides the now variable source.
func WithClock(now func() time.Time) Option {
	return func(cfg *compileConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// NewEvaluator returns the evaluator for engine. An empty engine means expr.
func NewEvaluator(engine string, opts ...Option) (Evaluator, error) {
	cfg := applyOptions(opts)
	return newEvaluator(engine, cfg)
}

func newEvaluator(engine string, cfg compileConfig) (Evaluator, error) {
	switch normalizeEngine(engine) {
	case EngineExpr:
		return NewExprEvaluator(ExprWithProgramCache(cfg.cache), ExprWithFunctionRegistry(cfg.functions)), nil
	case EngineCEL:
		return NewCELEvaluator(
			CELWithProgramCache(cfg.cache),
			CELWithFunctionRegistry(cfg.functions),
			CELWithVariables("origin", "kind", "name"),
		), nil
	case EngineJS:
		return NewJSEvaluator(JSWithProgramCache(cfg.cache), JSWithFunctionRegistry(cfg.functions)), nil
	default:
		return nil, fmt.Errorf("policy: unknown engine %q", engine)
	}
}

func normalizeEngine(engine string) string {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", EngineExpr:
		return EngineExpr
	case EngineCEL:
		return EngineCEL
	case EngineJS, "javascript", "goja":
		return EngineJS
	default:
		return engine
	}
}

func applyOptions(opts []Option) compileConfig {
	cfg := compileConfig{
		logger: noopEvaluatorLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Compile turns rule into an Access. Evaluation errors and non-boolean
// results deny.
func Compile(rule Rule, opts ...Option) (Access, error) {
	cfg := applyOptions(opts)
	engine := normalizeEngine(rule.Engine)
	evaluator, err := newEvaluator(engine, cfg)
	if err != nil {
		return nil, err
	}
	compiled, err := evaluator.Compile(strings.TrimSpace(rule.Expression))
	if err != nil {
		return nil, err
	}
	return &ruleAccess{
		engine:     engine,
		expression: rule.Expression,
		compiled:   compiled,
		cfg:        cfg,
	}, nil
}

// CompileAll compiles rules into one Access that allows a request only when
// every rule does. No rules means AllowAll.
func CompileAll(rules []Rule, opts ...Option) (Access, error) {
	if len(rules) == 0 {
		return AllowAll, nil
	}
	accesses := make([]Access, 0, len(rules))
	for i, rule := range rules {
		access, err := Compile(rule, opts...)
		if err != nil {
			return nil, invalidRule(i, err)
		}
		accesses = append(accesses, access)
	}
	return All(accesses...), nil
}

// All combines accesses with logical and.
func All(accesses ...Access) Access {
	return AccessFunc(func(ctx context.Context, req Request) bool {
		for _, access := range accesses {
			if access == nil || !access.Allow(ctx, req) {
				return false
			}
		}
		return true
	})
}

type ruleAccess struct {
	engine     string
	expression string
	compiled   CompiledRule
	cfg        compileConfig
}

func (a *ruleAccess) Allow(ctx context.Context, req Request) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	now := a.cfg.now()
	rctx := RuleContext{
		Vars:  req.vars(),
		Now:   &now,
		Label: req.Kind + ":" + req.Name,
	}
	start := time.Now()
	value, err := a.compiled.Evaluate(rctx)
	allowed := false
	if err == nil {
		allowed, _ = value.(bool)
	}
	a.cfg.logger.LogEvaluation(EvaluatorLogEvent{
		Engine:   a.engine,
		Expr:     a.expression,
		Label:    rctx.Label,
		Allowed:  allowed,
		Duration: time.Since(start),
		Err:      err,
	})
	return allowed
}
