package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/overlay-mcp/pkg/mcp"
)

// maxExpressionLength bounds configured CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit guarding against
// cost-exhaustion in hostile expressions.
const maxCostBudget = 100_000

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// celEvalTimeout bounds a single expression evaluation.
const celEvalTimeout = 5 * time.Second

// CELRules holds the two expressions of a CEL gate. Each must evaluate to
// a boolean; true means allow. The expressions see:
//
//	auth_type  string  "apikey" | "jwt" | "none"
//	claims     map     decoded JWT claims (empty unless auth_type == "jwt")
//	method     string  JSON-RPC method ("" on enter)
//	tool       string  tool name of a tools/call ("" otherwise)
//	key        string  decision key ("" on enter)
type CELRules struct {
	// Enter guards new SSE connections. Empty means allow all.
	Enter string

	// Message guards each client frame. Empty means allow all.
	Message string
}

// CELGate evaluates authorization as CEL expressions over the connection
// credential and frame metadata. A false result is Deny for messages and
// Unauthorized for entry; evaluation errors fail closed.
type CELGate struct {
	enter   cel.Program
	message cel.Program
	logger  *slog.Logger
}

// NewCELGate compiles the configured expressions. Compilation errors are
// configuration errors and fail startup.
func NewCELGate(rules CELRules, logger *slog.Logger) (*CELGate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("auth_type", cel.StringType),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("method", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("key", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	g := &CELGate{logger: logger}
	if rules.Enter != "" {
		g.enter, err = compile(env, rules.Enter)
		if err != nil {
			return nil, fmt.Errorf("enter rule: %w", err)
		}
	}
	if rules.Message != "" {
		g.message, err = compile(env, rules.Message)
		if err != nil {
			return nil, fmt.Errorf("message rule: %w", err)
		}
	}
	return g, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)",
			len(expr), maxExpressionLength)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// AuthorizeEnter evaluates the enter expression.
func (g *CELGate) AuthorizeEnter(ctx context.Context, auth Authentication) Decision {
	if g.enter == nil {
		return Allow
	}
	ok, err := g.eval(ctx, g.enter, activation(auth, nil))
	if err != nil {
		g.logger.Error("enter rule evaluation failed", "error", err)
		return Unauthorized
	}
	if !ok {
		return Unauthorized
	}
	return Allow
}

// AuthorizeClientMessage evaluates the message expression.
func (g *CELGate) AuthorizeClientMessage(ctx context.Context, auth Authentication, msg *mcp.Message) Decision {
	if g.message == nil {
		return Allow
	}
	ok, err := g.eval(ctx, g.message, activation(auth, msg))
	if err != nil {
		g.logger.Error("message rule evaluation failed", "error", err)
		return Deny
	}
	if !ok {
		return Deny
	}
	return Allow
}

func (g *CELGate) eval(ctx context.Context, prg cel.Program, vars map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, celEvalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

func activation(auth Authentication, msg *mcp.Message) map[string]any {
	claims := auth.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	vars := map[string]any{
		"auth_type": auth.Kind.String(),
		"claims":    claims,
		"method":    "",
		"tool":      "",
		"key":       "",
	}
	if msg != nil {
		vars["method"] = msg.Method()
		vars["tool"] = msg.ToolName()
		vars["key"] = DecisionKey(msg)
	}
	return vars
}
