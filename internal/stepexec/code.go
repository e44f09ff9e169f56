package stepexec

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// CodeRunner is the opaque sandboxed-code evaluator for inline `Code` steps.
type CodeRunner interface {
	Run(ctx context.Context, source string, input any) (any, error)
}

// JSRuntime is the default CodeRunner: a fresh goja VM per invocation with
// dangerous globals disabled, binding the resolved step input as `input.data`.
type JSRuntime struct{}

// NewJSRuntime constructs the default JavaScript CodeRunner.
func NewJSRuntime() *JSRuntime { return &JSRuntime{} }

// Run executes source in a sandboxed goja VM, racing it against ctx
// cancellation. source is expected to be a function body; it is wrapped in
// an immediately-invoked function expression so a bare `return` works.
func (r *JSRuntime) Run(ctx context.Context, source string, input any) (any, error) {
	vm := goja.New()
	setupSandbox(vm, input)

	wrapped := fmt.Sprintf("(function() {\n%s\n})()", source)

	type result struct {
		value goja.Value
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("code step panicked: %v", r)}
			}
		}()
		v, err := vm.RunString(wrapped)
		resultCh <- result{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("code step failed: %w", res.err)
		}
		if res.value == nil || goja.IsUndefined(res.value) || goja.IsNull(res.value) {
			return nil, nil
		}
		return res.value.Export(), nil
	}
}

// setupSandbox binds `input` and disables require/import/eval/Function, the
// same restrictions the teacher's code node applies.
func setupSandbox(vm *goja.Runtime, input any) {
	_ = vm.Set("input", map[string]any{"data": input})

	disabled := func(name string) {
		_ = vm.Set(name, func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError(name + " is not available in sandboxed code steps"))
		})
	}
	disabled("require")
	disabled("eval")
	disabled("Function")
	disabled("import")

	console := map[string]any{
		"log":   func(args ...any) {},
		"warn":  func(args ...any) {},
		"error": func(args ...any) {},
		"info":  func(args ...any) {},
		"debug": func(args ...any) {},
	}
	_ = vm.Set("console", console)
}
