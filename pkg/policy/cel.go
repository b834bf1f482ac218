package policy

import (
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

const EngineCEL = "cel"

// CELOption configures the CEL evaluator.
type CELOption func(*celEvaluator)

// CELWithProgramCache wires a ProgramCache into the CEL evaluator.
func CELWithProgramCache(cache ProgramCache) CELOption {
	return func(e *celEvaluator) {
		e.cache = cache
	}
}

// CELWithFunctionRegistry exposes registry functions as global CEL
// functions taking one or two arguments, plus call(name, [args]).
func CELWithFunctionRegistry(registry *FunctionRegistry) CELOption {
	return func(e *celEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

// CELWithVariables declares variables available to every expression, so
// Compile can type-check before any request is seen.
func CELWithVariables(names ...string) CELOption {
	return func(e *celEvaluator) {
		e.declared = append(e.declared, names...)
	}
}

type celProgram struct {
	env     *celgo.Env
	program celgo.Program
}

type celEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
	declared []string
}

// NewCELEvaluator constructs an Evaluator backed by cel-go.
func NewCELEvaluator(opts ...CELOption) Evaluator {
	e := &celEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *celEvaluator) Evaluate(ctx RuleContext, expression string) (any, error) {
	if expression == "" {
		return nil, errEmptyExpression(EngineCEL)
	}
	ctx = ctx.withDefaults()
	program, err := e.loadOrCompile(expression, e.variables(ctx.Vars))
	if err != nil {
		return nil, evaluateError(EngineCEL, expression, ctx.label(), err)
	}
	out, _, err := program.program.Eval(e.activation(ctx))
	if err != nil {
		return nil, evaluateError(EngineCEL, expression, ctx.label(), err)
	}
	return out.Value(), nil
}

func (e *celEvaluator) Compile(expression string) (CompiledRule, error) {
	if expression == "" {
		return nil, errEmptyExpression(EngineCEL)
	}
	if _, err := e.loadOrCompile(expression, e.variables(nil)); err != nil {
		return nil, compileError(EngineCEL, expression, err)
	}
	return &celCompiledRule{evaluator: e, expression: expression}, nil
}

func (e *celEvaluator) variables(vars map[string]any) []string {
	seen := map[string]struct{}{}
	names := make([]string, 0, len(e.declared)+len(vars))
	add := func(name string) {
		if name == "" || name == "now" || name == "metadata" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, name := range e.declared {
		add(name)
	}
	for name := range vars {
		add(name)
	}
	sort.Strings(names)
	return names
}

func (e *celEvaluator) loadOrCompile(expression string, variables []string) (*celProgram, error) {
	key := cacheKey(EngineCEL, strings.Join(variables, ",")+"|"+expression)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(*celProgram); ok {
				return program, nil
			}
		}
	}

	env, err := e.buildEnv(variables)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	bundle := &celProgram{env: env, program: prg}
	if e.cache != nil {
		e.cache.Set(key, bundle)
	}
	return bundle, nil
}

func (e *celEvaluator) buildEnv(variables []string) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("metadata", celgo.MapType(celgo.StringType, celgo.DynType)),
	}
	for _, name := range variables {
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	if e.registry != nil {
		opts = append(opts, celgo.Function("call",
			celgo.Overload("call_string_list",
				[]*celgo.Type{celgo.StringType, celgo.ListType(celgo.DynType)},
				celgo.DynType,
				celgo.BinaryBinding(e.callBinding),
			),
		))
		for _, name := range e.registry.Names() {
			fn := name
			opts = append(opts, celgo.Function(fn,
				celgo.Overload(fn+"_dyn",
					[]*celgo.Type{celgo.DynType},
					celgo.DynType,
					celgo.UnaryBinding(func(arg ref.Val) ref.Val {
						return e.invoke(fn, arg.Value())
					}),
				),
				celgo.Overload(fn+"_dyn_dyn",
					[]*celgo.Type{celgo.DynType, celgo.DynType},
					celgo.DynType,
					celgo.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
						return e.invoke(fn, lhs.Value(), rhs.Value())
					}),
				),
			))
		}
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) activation(ctx RuleContext) map[string]any {
	activation := map[string]any{
		"now":      ctx.timestamp(),
		"metadata": ctx.Metadata,
	}
	for _, name := range e.declared {
		activation[name] = nil
	}
	for key, value := range ctx.Vars {
		activation[key] = value
	}
	return activation
}

func (e *celEvaluator) callBinding(name, list ref.Val) ref.Val {
	fn, ok := name.Value().(string)
	if !ok {
		return types.NewErr("policy: call name must be string")
	}
	lister, ok := list.(traits.Lister)
	if !ok {
		return types.NewErr("policy: call arguments must be a list")
	}
	size, _ := lister.Size().Value().(int64)
	args := make([]any, 0, size)
	for i := int64(0); i < size; i++ {
		args = append(args, lister.Get(types.Int(i)).Value())
	}
	return e.invoke(fn, args...)
}

func (e *celEvaluator) invoke(name string, args ...any) ref.Val {
	result, err := e.registry.Call(name, args...)
	if err != nil {
		return types.NewErr("%s", err.Error())
	}
	if result == nil {
		return types.NullValue
	}
	return types.DefaultTypeAdapter.NativeToValue(result)
}

type celCompiledRule struct {
	evaluator  *celEvaluator
	expression string
}

func (r *celCompiledRule) Evaluate(ctx RuleContext) (any, error) {
	return r.evaluator.Evaluate(ctx, r.expression)
}
