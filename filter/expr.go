package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/s0up4200/mamlarr/tracker"
)

// exprFilter implements CompiledFilter using the expr language
type exprFilter struct {
	expression string
	program    *vm.Program
}

// ExprCompilerOption configures an expr compiler
type ExprCompilerOption func(*exprCompiler)

// WithCache enables filter caching with the specified size
func WithCache(size int) ExprCompilerOption {
	return func(c *exprCompiler) {
		if size > 0 {
			c.cache = newProgramCache(size)
		}
	}
}

// NewExprCompiler creates a new expr-based filter compiler
func NewExprCompiler(opts ...ExprCompilerOption) CachingCompiler {
	c := &exprCompiler{
		helperFuncs: createRuntimeEnvironment(tracker.Result{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// exprCompiler implements Compiler for expr-based filters
type exprCompiler struct {
	helperFuncs map[string]any
	cache       *programCache
}

// Compile compiles an expression into an executable filter
func (c *exprCompiler) Compile(expression string) (CompiledFilter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "empty expression",
		}
	}

	if c.cache != nil {
		if cached, ok := c.cache.get(expression); ok {
			return cached, nil
		}
	}

	// Compile against a zero candidate so field types are checked
	program, err := expr.Compile(expression,
		expr.Env(c.helperFuncs),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "failed to compile expression",
			Err:        err,
		}
	}

	filter := &exprFilter{
		expression: expression,
		program:    program,
	}

	if c.cache != nil {
		c.cache.put(expression, filter)
	}

	return filter, nil
}

// Clear removes all cached filters
func (c *exprCompiler) Clear() {
	if c.cache != nil {
		c.cache.clear()
	}
}

// Size returns the number of cached filters
func (c *exprCompiler) Size() int {
	if c.cache != nil {
		return c.cache.size()
	}
	return 0
}

// Evaluate reports whether the candidate matches. Candidates that fail to
// evaluate do not match.
func (f *exprFilter) Evaluate(candidate tracker.Result) bool {
	ok, err := f.Check(candidate)
	return err == nil && ok
}

// Check evaluates the filter and surfaces runtime errors.
func (f *exprFilter) Check(candidate tracker.Result) (bool, error) {
	env := createRuntimeEnvironment(candidate)

	result, err := expr.Run(f.program, env)
	if err != nil {
		return false, &EvaluationError{Expression: f.expression, TorrentID: candidate.ID, Err: err}
	}
	matched, ok := result.(bool)
	if !ok {
		return false, &EvaluationError{Expression: f.expression, TorrentID: candidate.ID, Err: fmt.Errorf("result is %T, not bool", result)}
	}
	return matched, nil
}

// Expression returns the original expression
func (f *exprFilter) Expression() string {
	return f.expression
}

// Apply returns the candidates matching f, preserving order. A nil filter
// matches everything.
func Apply(f Filter, candidates []tracker.Result) []tracker.Result {
	if f == nil {
		return candidates
	}
	out := make([]tracker.Result, 0, len(candidates))
	for _, c := range candidates {
		if f.Evaluate(c) {
			out = append(out, c)
		}
	}
	return out
}

// addHelperFunctions adds the candidate-independent helpers
func addHelperFunctions(env map[string]any) {
	env["contains"] = func(str, substr string) bool {
		return strings.Contains(strings.ToLower(str), strings.ToLower(substr))
	}
	env["startsWith"] = func(str, prefix string) bool {
		return strings.HasPrefix(strings.ToLower(str), strings.ToLower(prefix))
	}
	env["endsWith"] = func(str, suffix string) bool {
		return strings.HasSuffix(strings.ToLower(str), strings.ToLower(suffix))
	}
	env["lower"] = strings.ToLower
	env["upper"] = strings.ToUpper
	env["MB"] = func(n int) float64 { return float64(n) * (1 << 20) }
	env["GB"] = func(n int) float64 { return float64(n) * (1 << 30) }
}

// createRuntimeEnvironment creates the environment for one candidate
func createRuntimeEnvironment(candidate tracker.Result) map[string]any {
	env := make(map[string]any, 24)
	addHelperFunctions(env)

	env["hasAuthor"] = createHasAuthorFunc(candidate.Authors)

	env["ID"] = candidate.ID
	env["Title"] = candidate.Title
	env["Authors"] = candidate.Authors
	env["Seeders"] = candidate.Seeders
	env["Leechers"] = candidate.Leechers
	env["Peers"] = candidate.Peers
	env["Size"] = float64(candidate.Size)
	env["Language"] = candidate.Language
	env["Filetype"] = candidate.Filetype
	env["Free"] = candidate.Free
	env["VIP"] = candidate.VIP

	return env
}

func createHasAuthorFunc(authors []string) func(string) bool {
	lower := make([]string, len(authors))
	for i, a := range authors {
		lower[i] = strings.ToLower(a)
	}
	return func(name string) bool {
		target := strings.ToLower(name)
		return slices.ContainsFunc(lower, func(a string) bool {
			return strings.Contains(a, target)
		})
	}
}
