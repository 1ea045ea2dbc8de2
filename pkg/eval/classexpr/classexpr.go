/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package classexpr implements the class algebra of boolean
// expressions over class names with operators !, &, |, . (alias for &),
// parentheses and the constants any/true/false.
//
// Rather than hand-roll a second boolean-expression evaluator, class
// guards are translated into CEL syntax, each referenced class name is
// declared as a boolean CEL variable, and the expression is
// compiled/evaluated through cel-go — the same per-request
// variable-declaration-set shape the reference admission engine's
// buildEnvWithVars/getEnvs uses, just with class names standing in for
// object/oldObject/params.
package classexpr

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Heap resolves whether a class name is currently defined. Implementations
// are the global heap, a bundle-local heap, or the union the EvalContext
// presents to the evaluator; classexpr itself holds no state ("never
// reach for process globals").
type Heap interface {
	IsSet(class string) bool
}

// HeapFunc adapts a plain function to Heap.
type HeapFunc func(class string) bool

func (f HeapFunc) IsSet(class string) bool { return f(class) }

// baseEnv has no variables declared; Expr extends it per-expression with
// exactly the identifiers that expression references, mirroring the
// reference compiler's envs cache keyed by which optional variables a
// given CEL program needs.
var (
	baseEnvOnce sync.Once
	baseEnv     *cel.Env
	baseEnvErr  error
)

func getBaseEnv() (*cel.Env, error) {
	baseEnvOnce.Do(func() {
		baseEnv, baseEnvErr = cel.NewEnv()
	})
	return baseEnv, baseEnvErr
}

// identRewrite maps a surface class name (which may contain ':' for
// "ns:class"-style namespaced names; '.' is the AND operator) to a syntactically valid
// CEL identifier. The mapping is deterministic and invertible within one
// Expr via the ident table kept alongside it.
func identRewrite(i int) string { return fmt.Sprintf("c%d", i) }

// Expr is a compiled class-guard expression together with the CEL
// environment that declares exactly its referenced class names as boolean
// variables. Compile once, Eval many times against different heaps (the
// global heap, a bundle heap, each private-class frame) without
// recompiling.
type Expr struct {
	source  string
	idents []string // original class names, indexed by their c<i> CEL variable
	program cel.Program
}

// tokenize walks expr's reduced grammar (!, &, |, ., (), identifiers) and
// returns the CEL-syntax translation plus the set of referenced
// identifiers in first-seen order. "any"/"true"/"false" are folded to CEL
// literals rather than treated as class names.
func tokenize(expr string) (celSrc string, idents []string, err error) {
	index := map[string]int{}
	var b strings.Builder
	i, n := 0, len(expr)
	for i < n {
		c := expr[i]
		switch {
		case c == '.' || c == '&':
			b.WriteString(" && ")
			i++
		case c == '|':
			b.WriteString(" || ")
			i++
		case c == '!' || c == '(' || c == ')':
			b.WriteByte(c)
			i++
		case c == ' ' || c == '\t':
			i++
		default:
			j := i
			for j < n && isIdentByte(expr[j]) {
				j++
			}
			if j == i {
				return "", nil, fmt.Errorf("class guard %q: unexpected byte %q at %d", expr, c, i)
			}
			ident := expr[i:j]
			switch ident {
			case "any", "true":
				b.WriteString("true")
			case "false":
				b.WriteString("false")
			default:
				idx, ok := index[ident]
				if !ok {
					idx = len(idents)
					index[ident] = idx
					idents = append(idents, ident)
				}
				b.WriteString(identRewrite(idx))
			}
			i = j
		}
	}
	return b.String(), idents, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c == ':' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Compile parses expr into CEL syntax, declares one boolean variable per
// referenced class name, and compiles a cel.Program. It never touches a
// Heap; that happens in Eval.
func Compile(expr string) (*Expr, error) {
	celSrc, idents, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if celSrc == "" {
		celSrc = "true" // an empty guard is vacuously "any"
	}
	base, err := getBaseEnv()
	if err != nil {
		return nil, fmt.Errorf("class algebra environment: %w", err)
	}
	var opts []cel.EnvOption
	for i := range idents {
		opts = append(opts, cel.Variable(identRewrite(i), cel.BoolType))
	}
	env, err := base.Extend(opts...)
	if err != nil {
		return nil, fmt.Errorf("class guard %q: %w", expr, err)
	}
	ast, issues := env.Compile(celSrc)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("class guard %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("class guard %q: must evaluate to bool, got %v", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("class guard %q: %w", expr, err)
	}
	return &Expr{source: expr, idents: idents, program: prog}, nil
}

// Eval evaluates the compiled expression against heap. A class the negated
// set overrides a positive match in the same heap: callers
// implement that by having heap.IsSet return false for any class that is
// simultaneously in the negated set, so "x" and "!x" can never both
// observe true from the same heap.
func (e *Expr) Eval(heap Heap) (bool, error) {
	vars := make(map[string]any, len(e.idents))
	for i, name := range e.idents {
		vars[identRewrite(i)] = heap.IsSet(name)
	}
	out, _, err := e.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("class guard %q: %w", e.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("class guard %q: non-boolean result", e.source)
	}
	return b, nil
}

// ReferencedClasses returns the class names this expression tests, sorted,
// for use by non-convergence diagnostics and tests.
func (e *Expr) ReferencedClasses() []string {
	out := append([]string(nil), e.idents...)
	sort.Strings(out)
	return out
}

// IsDefinedClass parses and evaluates expr against heap in one call. Most
// callers that evaluate the same guard repeatedly (one per promise
// expansion tuple) should Compile once and call Eval per Heap instead.
func IsDefinedClass(expr string, heap Heap) (bool, error) {
	compiled, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return compiled.Eval(heap)
}
