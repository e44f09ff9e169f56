// Package ref implements the `@...` reference grammar: a small parser that
// turns a reference literal into an AST, and an evaluator that walks that
// AST against a RefContext of prior step outputs, workflow input, and
// iteration bindings.
package ref

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Root names the kind of value a reference starts from.
type Root string

const (
	RootInput  Root = "input"
	RootOutput Root = "output"
	RootItem   Root = "item"
	RootIndex  Root = "index"
	RootStep   Root = "step"
)

// Ref is a parsed `@...` expression: a root plus a dotted path into it.
type Ref struct {
	Root Root
	// StepName is set only when Root == RootStep.
	StepName string
	Path     []string
}

var tokenPattern = regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*`)

// IsReferenceLiteral reports whether s, in its entirety, is a reference.
func IsReferenceLiteral(s string) bool {
	m := tokenPattern.FindString(s)
	return m != "" && m == s
}

// Parse parses a single `@...` literal (with no surrounding text) into a Ref.
func Parse(literal string) (*Ref, error) {
	if !strings.HasPrefix(literal, "@") {
		return nil, fmt.Errorf("ref: not a reference literal: %q", literal)
	}
	body := literal[1:]
	if body == "" {
		return nil, fmt.Errorf("ref: empty reference")
	}
	parts := strings.Split(body, ".")
	head := parts[0]
	rest := parts[1:]

	switch head {
	case "input":
		return &Ref{Root: RootInput, Path: rest}, nil
	case "output":
		return &Ref{Root: RootOutput, Path: rest}, nil
	case "item":
		if len(rest) > 0 {
			return nil, fmt.Errorf("ref: @item does not take a path: %q", literal)
		}
		return &Ref{Root: RootItem}, nil
	case "index":
		if len(rest) > 0 {
			return nil, fmt.Errorf("ref: @index does not take a path: %q", literal)
		}
		return &Ref{Root: RootIndex}, nil
	default:
		// @<stepName>[.path...]; the historical "output." alias prefix is
		// stripped so @step.output.foo === @step.foo.
		if len(rest) > 0 && rest[0] == "output" {
			rest = rest[1:]
		}
		return &Ref{Root: RootStep, StepName: head, Path: rest}, nil
	}
}

// Context carries everything a reference can resolve against.
type Context struct {
	StepOutputs map[string]any
	Input       any

	HasItem bool
	Item    any

	HasIndex bool
	Index    int

	// HasOutput/Output are populated only when resolving trigger input
	// templates against a workflow's finalized output.
	HasOutput bool
	Output    any
}

// Error describes a single failed reference resolution. Resolution never
// aborts on error; it records one Error per failed token and substitutes
// null/empty at that position.
type Error struct {
	Literal string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ref %q: %s", e.Literal, e.Reason)
}

// Resolve evaluates a single parsed reference against ctx.
func Resolve(r *Ref, ctx *Context) (any, error) {
	var root any
	switch r.Root {
	case RootInput:
		root = ctx.Input
	case RootOutput:
		if !ctx.HasOutput {
			return nil, fmt.Errorf("@output is not available in this context")
		}
		root = ctx.Output
	case RootItem:
		if !ctx.HasItem {
			return nil, fmt.Errorf("@item is not bound outside a forEach iteration")
		}
		return ctx.Item, nil
	case RootIndex:
		if !ctx.HasIndex {
			return nil, fmt.Errorf("@index is not bound outside a forEach iteration")
		}
		return ctx.Index, nil
	case RootStep:
		out, ok := ctx.StepOutputs[r.StepName]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", r.StepName)
		}
		root = out
	default:
		return nil, fmt.Errorf("unknown reference root %q", r.Root)
	}
	return walkPath(root, r.Path)
}

func walkPath(v any, path []string) (any, error) {
	cur := v
	for _, tok := range path {
		if cur == nil {
			return nil, fmt.Errorf("path %q: value is null", tok)
		}
		if idx, err := strconv.Atoi(tok); err == nil {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("path %q: not an array", tok)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("path %q: index out of range", tok)
			}
			cur = arr[idx]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: not an object", tok)
		}
		next, ok := obj[tok]
		if !ok {
			return nil, fmt.Errorf("path %q: key not found", tok)
		}
		cur = next
	}
	return cur, nil
}

// Result is the outcome of templating a value: the resolved value plus any
// non-aborting resolution errors encountered along the way.
type Result struct {
	Resolved any
	Errors   []*Error
}

// Template walks value (a JSON-like tree: map[string]any, []any, string, or
// scalar), substituting `@...` references. Whole-string literals resolve to
// their native value; embedded tokens within a larger string are stringified
// in place. Resolution errors are collected, not fatal — an unresolved
// position becomes null (whole literal) or empty string (embedded token).
func Template(value any, ctx *Context) Result {
	var errs []*Error
	resolved := templateValue(value, ctx, &errs)
	return Result{Resolved: resolved, Errors: errs}
}

func templateValue(value any, ctx *Context, errs *[]*Error) any {
	switch v := value.(type) {
	case string:
		return templateString(v, ctx, errs)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = templateValue(val, ctx, errs)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = templateValue(val, ctx, errs)
		}
		return out
	default:
		return v
	}
}

func templateString(s string, ctx *Context, errs *[]*Error) any {
	if IsReferenceLiteral(s) {
		r, err := Parse(s)
		if err != nil {
			*errs = append(*errs, &Error{Literal: s, Reason: err.Error()})
			return nil
		}
		val, err := Resolve(r, ctx)
		if err != nil {
			*errs = append(*errs, &Error{Literal: s, Reason: err.Error()})
			return nil
		}
		return val
	}

	matches := tokenPattern.FindAllString(s, -1)
	if len(matches) == 0 {
		return s
	}

	out := s
	for _, m := range matches {
		r, err := Parse(m)
		if err != nil {
			*errs = append(*errs, &Error{Literal: m, Reason: err.Error()})
			out = strings.Replace(out, m, "", 1)
			continue
		}
		val, err := Resolve(r, ctx)
		if err != nil {
			*errs = append(*errs, &Error{Literal: m, Reason: err.Error()})
			out = strings.Replace(out, m, "", 1)
			continue
		}
		out = strings.Replace(out, m, stringify(val), 1)
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ExtractStepDependencies returns the set of step names referenced anywhere
// within value, used by the control-flow engine for phase grouping.
func ExtractStepDependencies(value any) map[string]struct{} {
	deps := map[string]struct{}{}
	collectDeps(value, deps)
	return deps
}

func collectDeps(value any, deps map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, m := range tokenPattern.FindAllString(v, -1) {
			r, err := Parse(m)
			if err != nil {
				continue
			}
			if r.Root == RootStep {
				deps[r.StepName] = struct{}{}
			}
		}
	case map[string]any:
		for _, val := range v {
			collectDeps(val, deps)
		}
	case []any:
		for _, val := range v {
			collectDeps(val, deps)
		}
	}
}
