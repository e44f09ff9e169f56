package stepexec

import (
	"context"
	"errors"
)

// ToolInvoker is the opaque transport to external tool integrations. It is
// specified only by this interface and a test double; the real
// implementation lives outside this repository's scope.
type ToolInvoker interface {
	Invoke(ctx context.Context, connectionID, toolName string, input any) (any, error)
}

// ToolError carries the transport-level status code returned by a tool
// invocation so the dispatcher can classify 429/5xx as retryable and
// everything else as fatal.
type ToolError struct {
	StatusCode int
	Err        error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return "tool invocation failed"
	}
	return e.Err.Error()
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsRetryableStatus reports whether an HTTP-style status code should be
// retried: 429 or any 5xx.
func IsRetryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code < 600)
}

// unwrapToolOutput applies the structuredContent/content/raw unwrapping
// order used by tool responses.
func unwrapToolOutput(raw any) any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	if sc, ok := obj["structuredContent"]; ok {
		return sc
	}
	if c, ok := obj["content"]; ok {
		return c
	}
	return raw
}

func runTool(ctx context.Context, invoker ToolInvoker, connectionID, toolName string, input any) Outcome {
	if invoker == nil {
		return Failed(&ToolError{Err: errNoToolInvoker})
	}
	raw, err := invoker.Invoke(ctx, connectionID, toolName, input)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) && IsRetryableStatus(toolErr.StatusCode) {
			return Retryable(err)
		}
		return Failed(err)
	}
	return Completed(unwrapToolOutput(raw))
}

var errNoToolInvoker = toolInvokerMissing{}

type toolInvokerMissing struct{}

func (toolInvokerMissing) Error() string { return "no ToolInvoker configured" }
