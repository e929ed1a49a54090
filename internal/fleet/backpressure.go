package fleet

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Load is the input to a backpressure decision.
type Load struct {
	// Backlog is the host's competing work, e.g. undelivered outbox entries.
	Backlog    int64
	Pending    int64
	InProgress int64
}

// Backpressure decides whether a tick should skip its cycle.
type Backpressure interface {
	Active(load Load) bool
}

// BackpressureFunc adapts a function to Backpressure.
type BackpressureFunc func(Load) bool

func (f BackpressureFunc) Active(l Load) bool { return f(l) }

// BacklogAbove is active while the backlog exceeds n.
func BacklogAbove(n int64) Backpressure {
	return BackpressureFunc(func(l Load) bool { return l.Backlog > n })
}

// CELBackpressure evaluates a boolean CEL expression over the variables
// backlog, pending and in_progress.
type CELBackpressure struct {
	expr string
	prog cel.Program
}

// NewCELBackpressure compiles expr. An empty expression never applies
// backpressure and returns nil.
func NewCELBackpressure(expr string) (*CELBackpressure, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("backlog", cel.IntType),
		cel.Variable("pending", cel.IntType),
		cel.Variable("in_progress", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("fleet: backpressure expression: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("fleet: backpressure expression must be bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &CELBackpressure{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (b *CELBackpressure) String() string { return b.expr }

// Active implements Backpressure. Evaluation errors count as inactive.
func (b *CELBackpressure) Active(l Load) bool {
	if b == nil {
		return false
	}
	out, _, err := b.prog.Eval(map[string]any{
		"backlog":     l.Backlog,
		"pending":     l.Pending,
		"in_progress": l.InProgress,
	})
	if err != nil {
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}
