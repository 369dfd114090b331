package projection

import (
	"maps"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Program is a compiled projection. It is safe for concurrent use.
type Program struct {
	expression string
	program    *vm.Program
	compiler   *Compiler
}

// Option configures a Compiler
type Option func(*Compiler)

// WithCache keeps up to size compiled programs keyed by expression
func WithCache(size int) Option {
	return func(c *Compiler) {
		if size > 0 {
			c.cache = newProgramCache(size)
		}
	}
}

// WithFunctions adds custom helper functions to the environment
func WithFunctions(funcs map[string]any) Option {
	return func(c *Compiler) {
		maps.Copy(c.helpers, funcs)
	}
}

// Compiler turns expressions over a query response into runnable programs.
// Expressions see the decoded body as `data` and the HTTP status as
// `statusCode`, plus the helper functions.
type Compiler struct {
	helpers map[string]any
	cache   *programCache
	envPool *sync.Pool
}

// NewCompiler creates an expr-based projection compiler
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{
		helpers: createHelperFunctions(),
		envPool: &sync.Pool{},
	}

	for _, opt := range opts {
		opt(c)
	}

	size := len(c.helpers) + 2
	c.envPool.New = func() any {
		return make(map[string]any, size)
	}

	return c
}

// Compile compiles expression, returning a cached program when available
func (c *Compiler) Compile(expression string) (*Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "empty expression",
		}
	}

	if c.cache != nil {
		if cached, ok := c.cache.lookup(expression); ok {
			return cached, nil
		}
	}

	env := make(map[string]any, len(c.helpers)+2)
	maps.Copy(env, c.helpers)
	env["data"] = map[string]any{}
	env["statusCode"] = 0

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, &CompilationError{
			Expression: expression,
			Reason:     "failed to compile expression",
			Err:        err,
		}
	}

	p := &Program{
		expression: expression,
		program:    program,
		compiler:   c,
	}

	if c.cache != nil {
		return c.cache.store(p), nil
	}

	return p, nil
}

// Clear removes all cached programs. Statistics are kept.
func (c *Compiler) Clear() {
	if c.cache != nil {
		c.cache.reset()
	}
}

// Stats reports cache usage; it is zero when caching is disabled.
func (c *Compiler) Stats() CacheStats {
	if c.cache == nil {
		return CacheStats{}
	}
	return c.cache.stats()
}

// Run evaluates the program against a decoded response body and status.
func (p *Program) Run(data map[string]any, statusCode int) (any, error) {
	env := p.compiler.envPool.Get().(map[string]any)
	defer func() {
		clear(env)
		p.compiler.envPool.Put(env)
	}()

	maps.Copy(env, p.compiler.helpers)
	env["data"] = data
	env["statusCode"] = statusCode

	out, err := expr.Run(p.program, env)
	if err != nil {
		return nil, &EvaluationError{Expression: p.expression, Err: err}
	}
	return out, nil
}

// Expression returns the original expression
func (p *Program) Expression() string {
	return p.expression
}
