package policy

import (
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// EvaluatorLogEvent describes an evaluation attempt for logging.
type EvaluatorLogEvent struct {
	Engine   string
	Expr     string
	Label    string
	Allowed  bool
	Duration time.Duration
	Err      error
}

// EvaluatorLogger records evaluator events.
type EvaluatorLogger interface {
	LogEvaluation(EvaluatorLogEvent)
}

// EvaluatorLoggerFunc adapts a function to EvaluatorLogger.
type EvaluatorLoggerFunc func(EvaluatorLogEvent)

// LogEvaluation implements EvaluatorLogger.
func (f EvaluatorLoggerFunc) LogEvaluation(event EvaluatorLogEvent) {
	if f != nil {
		f(event)
	}
}

type noopEvaluatorLogger struct{}

func (noopEvaluatorLogger) LogEvaluation(EvaluatorLogEvent) {}

// GlogEvaluatorLogger writes evaluation events to logger: denials and errors
// at debug and warn, grants at trace.
func GlogEvaluatorLogger(logger glog.Logger) EvaluatorLogger {
	if logger == nil {
		return noopEvaluatorLogger{}
	}
	return EvaluatorLoggerFunc(func(event EvaluatorLogEvent) {
		args := []any{
			"engine", event.Engine,
			"expr", event.Expr,
			"label", event.Label,
			"duration", event.Duration.String(),
		}
		switch {
		case event.Err != nil:
			logger.Warn("policy evaluation failed", append(args, "error", event.Err)...)
		case !event.Allowed:
			logger.Debug("policy denied request", args...)
		default:
			logger.Trace("policy allowed request", args...)
		}
	})
}
