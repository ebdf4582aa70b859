package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/llm"
	ometrics "github.com/finassist/ragagent/internal/metrics"
)

// ErrCircularDependency is fatal for the turn: a tool batch whose pending
// set can never become ready.
var ErrCircularDependency = errors.New("tools: circular dependency in execution plan")

// Names of the tools the dependency heuristic knows about.
const (
	NameSearchUserDocuments = "search_user_documents"
	NameLoadDocumentsFull   = "load_documents_full"
	NameSearchGeneralKB     = "search_general_kb"
	NameFetchCentralBank    = "fetch_cbr_data"
	NameFetchFinanceNews    = "fetch_finance_news"
)

// Execution tracks one tool invocation through the plan. After reaching a
// terminal state (Result or Err set) it is not mutated again.
type Execution struct {
	ToolName  string
	Arguments map[string]any
	DependsOn []string
	Result    *Result
	Err       error
	Duration  time.Duration
	StartedAt time.Time
}

// Executor runs tool batches in dependency waves with per-tool retry.
type Executor struct {
	registry   *Registry
	maxRetries int
	backoff    time.Duration // unit multiplied by 2^attempt
	log        *zap.Logger
}

func NewExecutor(registry *Registry, maxRetries int, logger *zap.Logger) *Executor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Executor{
		registry:   registry,
		maxRetries: maxRetries,
		backoff:    time.Second,
		log:        logger,
	}
}

// WithBackoffUnit overrides the exponential backoff unit. Used by tests.
func (e *Executor) WithBackoffUnit(unit time.Duration) *Executor {
	e.backoff = unit
	return e
}

// AnalyzeDependencies converts model tool calls into an execution plan.
// Dependency inference is heuristic and name-based: a full-document load
// with no explicit document ids depends on a preceding document search in
// the same batch. Everything else is independent.
func (e *Executor) AnalyzeDependencies(calls []llm.ToolCall) []*Execution {
	executions := make([]*Execution, 0, len(calls))
	var seen []string

	for _, call := range calls {
		name := call.Function.Name
		if name == "" {
			continue
		}
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}

		var dependsOn []string
		if name == NameLoadDocumentsFull {
			ids, _ := args["document_ids"].([]any)
			if len(ids) == 0 && contains(seen, NameSearchUserDocuments) {
				dependsOn = append(dependsOn, NameSearchUserDocuments)
			}
		}

		executions = append(executions, &Execution{
			ToolName:  name,
			Arguments: args,
			DependsOn: dependsOn,
		})
		seen = append(seen, name)
	}
	return executions
}

// ExecutePlan runs the executions respecting dependencies. Tools within a
// wave run concurrently; a failed tool is recorded and marked completed so
// its dependents still become ready. Returns results keyed by tool name.
func (e *Executor) ExecutePlan(ctx context.Context, executions []*Execution, tc *Context) (map[string]*Result, error) {
	if len(executions) == 0 {
		return map[string]*Result{}, nil
	}

	results := make(map[string]*Result, len(executions))
	completed := make(map[string]bool, len(executions))
	pending := make(map[string]*Execution, len(executions))
	for _, ex := range executions {
		pending[ex.ToolName] = ex
	}

	for len(pending) > 0 {
		var ready []*Execution
		for _, ex := range executions {
			if pending[ex.ToolName] == nil {
				continue
			}
			ok := true
			for _, dep := range ex.DependsOn {
				if !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, ex)
			}
		}

		if len(ready) == 0 {
			remaining := make([]string, 0, len(pending))
			for name := range pending {
				remaining = append(remaining, name)
			}
			e.log.Error("circular dependency in tool plan",
				zap.Strings("remaining", remaining),
			)
			return nil, fmt.Errorf("%w: remaining %v", ErrCircularDependency, remaining)
		}

		e.log.Info("executing tool wave",
			zap.Int("count", len(ready)),
		)

		var wg sync.WaitGroup
		for _, ex := range ready {
			wg.Add(1)
			go func(ex *Execution) {
				defer wg.Done()
				res, err := e.executeWithRetry(ctx, ex, tc)
				if err != nil {
					ex.Err = err
					return
				}
				ex.Result = res
			}(ex)
		}
		wg.Wait()

		// Result attachment follows the original batch order, not
		// completion order, so transcripts are reproducible.
		for _, ex := range ready {
			if ex.Err != nil {
				e.log.Error("tool execution failed",
					zap.String("tool", ex.ToolName),
					zap.Error(ex.Err),
				)
				ometrics.ToolExecutions.WithLabelValues(ex.ToolName, "error").Inc()
			} else {
				results[ex.ToolName] = ex.Result
				ometrics.ToolExecutions.WithLabelValues(ex.ToolName, "ok").Inc()
			}
			ometrics.ToolExecutionDuration.WithLabelValues(ex.ToolName).Observe(float64(ex.Duration.Milliseconds()))
			completed[ex.ToolName] = true
			delete(pending, ex.ToolName)
		}
	}

	return results, nil
}

// executeWithRetry runs one tool with exponential backoff: no delay before
// the first attempt, then 2^attempt backoff units between attempts.
func (e *Executor) executeWithRetry(ctx context.Context, ex *Execution, tc *Context) (*Result, error) {
	argsJSON, err := json.Marshal(ex.Arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.backoff * (1 << (attempt - 1))
			e.log.Warn("retrying tool",
				zap.String("tool", ex.ToolName),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			ometrics.ToolRetries.WithLabelValues(ex.ToolName).Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ex.StartedAt = time.Now()
		res, err := e.registry.Execute(ctx, ex.ToolName, string(argsJSON), tc)
		ex.Duration = time.Since(ex.StartedAt)
		if err == nil {
			if attempt > 0 {
				e.log.Info("tool retry succeeded",
					zap.String("tool", ex.ToolName),
					zap.Int("attempt", attempt+1),
				)
			}
			return res, nil
		}
		lastErr = err
	}

	e.log.Error("tool exhausted retries",
		zap.String("tool", ex.ToolName),
		zap.Int("attempts", e.maxRetries+1),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

func contains(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}
