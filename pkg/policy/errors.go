package policy

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-xcookie/internal/errcode"
)

const (
	StageCompile  = "compile"
	StageEvaluate = "evaluate"
)

// EvaluationError records which engine, expression and request a rule
// failed on.
type EvaluationError struct {
	Stage  string
	Engine string
	Expr   string
	Label  string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	expr := "<empty>"
	if e.Expr != "" {
		expr = fmt.Sprintf("%q", e.Expr)
	}
	if e.Label == "" {
		return fmt.Sprintf("policy: %s %s %s: %v", e.Engine, e.Stage, expr, e.Err)
	}
	return fmt.Sprintf("policy: %s %s %s on %s: %v", e.Engine, e.Stage, expr, e.Label, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Metadata flattens e for structured errors and logs.
func (e *EvaluationError) Metadata() map[string]any {
	if e == nil {
		return nil
	}
	meta := map[string]any{"engine": e.Engine, "stage": e.Stage}
	if e.Expr != "" {
		meta["expr"] = e.Expr
	}
	if e.Label != "" {
		meta["label"] = e.Label
	}
	return meta
}

func errEmptyExpression(engine string) error {
	return &EvaluationError{Stage: StageCompile, Engine: engine, Err: errors.New("expression must not be empty")}
}

func compileError(engine, expr string, err error) error {
	return annotate(StageCompile, engine, expr, "", err)
}

func evaluateError(engine, expr, label string, err error) error {
	return annotate(StageEvaluate, engine, expr, label, err)
}

// annotate fills missing fields on an existing EvaluationError instead of
// nesting a second one.
func annotate(stage, engine, expr, label string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		if evalErr.Stage == "" {
			evalErr.Stage = stage
		}
		if evalErr.Engine == "" {
			evalErr.Engine = engine
		}
		if evalErr.Expr == "" {
			evalErr.Expr = expr
		}
		if evalErr.Label == "" {
			evalErr.Label = label
		}
		return evalErr
	}
	return &EvaluationError{Stage: stage, Engine: engine, Expr: expr, Label: label, Err: err}
}

// invalidRule turns a compile failure of rule index into a bad input error.
func invalidRule(index int, err error) error {
	meta := map[string]any{"rule": index}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		for k, v := range evalErr.Metadata() {
			meta[k] = v
		}
	}
	return errcode.Wrap(err, goerrors.CategoryBadInput,
		fmt.Sprintf("policy: rule %d is invalid", index), errcode.PolicyInvalid, meta)
}
