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

// Package runner implements the control flow per agent run described in
// the system overview: iterate bundles in declared order; for each
// promise, push an eval frame, expand it, and run the actuator its
// promise type is registered for, guarded by the lock manager where the
// actuator itself needs throttling (packages). It is the one place C1
// (policy model), C3 (eval context), C5 (expander), C6 (locks), C7
// (edit-line engine), C8 (change tracker) and C9 (package modules) are
// all wired together into one executable path, matching the dynamic-
// dispatch design note: a closed enumeration of promise types plus a
// vtable of handlers registered once.
package runner

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/changetracker"
	"github.com/convergent/agentcore/pkg/editline"
	"github.com/convergent/agentcore/pkg/eval"
	"github.com/convergent/agentcore/pkg/expander"
	"github.com/convergent/agentcore/pkg/lock"
	"github.com/convergent/agentcore/internal/report"
	"github.com/convergent/agentcore/pkg/outcome"
	"github.com/convergent/agentcore/pkg/packagemodule"
	"github.com/convergent/agentcore/pkg/policy"
)

// Deps collects the actuator-level dependencies a Runner dispatches
// promises to. Modules/Caches are keyed by the package_module attribute
// value (or DefaultModule when a promise doesn't name one); a nil map
// means packages promises are not actuable in this run (report them as
// SKIPPED rather than panicking on a missing provider).
type Deps struct {
	Expander *expander.Expander
	Locks    *lock.Manager
	Changes  *changetracker.Store
	Digest   changetracker.DigestTag

	Modules map[string]*packagemodule.Module
	Caches  map[string]*packagemodule.Cache

	// DryRun, when true, is threaded into every actuator that would
	// otherwise write: edit-line saves report CHANGE without writing, and
	// package actuators are not invoked at all (NOOP/WARN is reported
	// instead), matching dry-run semantics.
	DryRun bool
}

// DefaultModule is the package_module cache/module key used when a
// packages promise does not set package_module explicitly.
const DefaultModule = "default"

// Runner walks one Policy's bundles, dispatching promises to Deps'
// actuators.
type Runner struct {
	Policy *policy.Policy
	Deps   Deps
}

// New wires a Policy and its actuator dependencies into a Runner.
func New(p *policy.Policy, deps Deps) *Runner {
	return &Runner{Policy: p, Deps: deps}
}

// Run evaluates every bundle in p.Bundles, in declared order (
// "Within a bundle, promise evaluation follows section order and,
// within a section, source order"), and returns one report.PromiseResult
// per concrete promise actuated. A run-wide abort (ctx.Abort) stops
// further bundles from being entered; it does not unwind bundles already
// in progress.
func (r *Runner) Run(ctx *eval.Context) ([]report.PromiseResult, error) {
	var results []report.PromiseResult
	for i := range r.Policy.Bundles {
		if ctx.Aborted() {
			klog.InfoS("run aborted, skipping remaining bundles")
			break
		}
		b := &r.Policy.Bundles[i]
		// edit_line bundles are invoked by name from a files promise's
		// edit_line attribute, not walked top-level: running one here too
		// would apply it against no file.
		if b.Type == policy.BundleTypeEditLine {
			continue
		}
		ctx.ClearBundleAbort()
		ctx.PushBundleFrame(b)
		res, err := r.runBundle(ctx, b)
		if popErr := ctx.Pop(); popErr != nil {
			klog.ErrorS(popErr, "runner: frame stack underflow popping bundle", "bundle", b.Name)
		}
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (r *Runner) runBundle(ctx *eval.Context, b *policy.Bundle) ([]report.PromiseResult, error) {
	var results []report.PromiseResult
	for _, sections := range [][]policy.BundleSection{b.BuiltinSections, b.CustomSections} {
		for i := range sections {
			sec := &sections[i]
			if ctx.BundleAborted() {
				break
			}
			ctx.PushSectionFrame(sec.PromiseType)
			for j := range sec.Promises {
				tmpl := &sec.Promises[j]
				res, err := r.runPromiseTemplate(ctx, b, sec.PromiseType, tmpl)
				results = append(results, res...)
				if err != nil {
					ctx.Pop()
					return results, err
				}
				if ctx.BundleAborted() {
					break
				}
			}
			if popErr := ctx.Pop(); popErr != nil {
				klog.ErrorS(popErr, "runner: frame stack underflow popping section", "promiseType", sec.PromiseType)
			}
		}
	}
	return results, nil
}

func (r *Runner) runPromiseTemplate(ctx *eval.Context, b *policy.Bundle, promiseType string, tmpl *policy.Promise) ([]report.PromiseResult, error) {
	guardExpr := tmpl.ClassGuard
	if dep, ok := scalarAttr(tmpl, "depends_on"); ok {
		guardExpr = eval.WithDependsOn(guardExpr, []string{dep})
	} else if deps := listAttr(tmpl, "depends_on"); len(deps) > 0 {
		guardExpr = eval.WithDependsOn(guardExpr, deps)
	}
	guard, err := ctx.IsDefinedClass(guardExpr)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: promise %q: class guard %q: %w", b.Name, tmpl.Promiser, guardExpr, err)
	}

	path := promisePath(b, promiseType, tmpl.Promiser)
	if !guard {
		return []report.PromiseResult{{Path: path, Result: outcome.Result{Outcome: outcome.SKIPPED, Detail: "class guard not met"}}}, nil
	}

	var results []report.PromiseResult
	_, err = r.Deps.Expander.Expand(ctx, promiseType, tmpl, func(concrete *policy.Promise) (outcome.Outcome, error) {
		o, detail, actErr := r.actuate(ctx, b, promiseType, concrete)
		if handle, ok := concrete.Handle(); ok {
			ctx.RecordPromiseOutcome(handle, o)
		}
		results = append(results, report.PromiseResult{
			Path:   promisePath(b, promiseType, concrete.Promiser),
			Result: outcome.Result{Outcome: o, Detail: detail},
		})
		logOutcome(path, o, detail)
		return o, actErr
	})
	return results, err
}

// promisePath renders the "/namespace/bundle/section/'promiser'" path
// used throughout structured log lines and the failure report.
func promisePath(b *policy.Bundle, promiseType, promiser string) string {
	return fmt.Sprintf("/%s/%s/%s/'%s'", b.Namespace, b.Name, promiseType, promiser)
}

func logOutcome(path string, o outcome.Outcome, detail string) {
	switch o {
	case outcome.FAIL:
		klog.ErrorS(nil, "promise failed", "path", path, "detail", detail)
	case outcome.INTERRUPTED, outcome.WARN:
		klog.Warningf("%s: %s: %s", path, o, detail)
	default:
		klog.V(2).InfoS("promise evaluated", "path", path, "outcome", o.String(), "detail", detail)
	}
}

// actuate dispatches one concrete promise to its promise-type actuator.
// promise types with no actuator registered (server/monitor/knowledge
// bundle content, and any custom promise type) are SKIPPED rather than
// failed: the engine implements the promise types named in the syntax
// registry and treats everything else as a future extension point, per
// the custom-promise-type catch-all design note.
func (r *Runner) actuate(ctx *eval.Context, b *policy.Bundle, promiseType string, p *policy.Promise) (outcome.Outcome, string, error) {
	switch promiseType {
	case "files":
		return r.actuateFiles(ctx, b, p)
	case "packages":
		return r.actuatePackages(context.Background(), p)
	case "vars":
		return r.actuateVars(ctx, b, p), "", nil
	case "classes":
		return r.actuateClasses(ctx, p), "", nil
	case "reports":
		klog.V(2).InfoS("report promise", "promiser", p.Promiser)
		return outcome.NOOP, "", nil
	default:
		return outcome.SKIPPED, fmt.Sprintf("promise type %q has no actuator", promiseType), nil
	}
}

func (r *Runner) actuateVars(ctx *eval.Context, b *policy.Bundle, p *policy.Promise) outcome.Outcome {
	ns := ctx.CurrentNamespace()
	scope := eval.ScopeName(b.Name)
	key := eval.VarKey{Scope: scope, Namespace: ns, Name: p.Promiser}
	if v, ok := scalarAttr(p, "string"); ok {
		ctx.SetVar(key, eval.ScalarValue(v))
		return outcome.CHANGE
	}
	if v, ok := scalarAttr(p, "int"); ok {
		ctx.SetVar(key, eval.ScalarValue(v))
		return outcome.CHANGE
	}
	if v, ok := scalarAttr(p, "real"); ok {
		ctx.SetVar(key, eval.ScalarValue(v))
		return outcome.CHANGE
	}
	if items := listAttr(p, "slist"); items != nil {
		ctx.SetVar(key, eval.ListValue(items...))
		return outcome.CHANGE
	}
	return outcome.NOOP
}

func (r *Runner) actuateClasses(ctx *eval.Context, p *policy.Promise) outcome.Outcome {
	expr, ok := scalarAttr(p, "expression")
	if !ok {
		expr = "any"
	}
	defined, err := ctx.IsDefinedClass(expr)
	if err != nil || !defined {
		return outcome.NOOP
	}
	ctx.AddClass(p.Promiser)
	return outcome.CHANGE
}

// actuateFiles runs every edit_line-named bundle against the promiser
// path (if any), saves the resulting document, and records the file's
// content digest in the change tracker so drift between runs is visible
// in the change log even when no edit_line bundle is named.
func (r *Runner) actuateFiles(ctx *eval.Context, b *policy.Bundle, p *policy.Promise) (outcome.Outcome, string, error) {
	path := p.Promiser
	editBundles := listAttr(p, "edit_line")

	doc, err := editline.Load(path)
	if err != nil {
		return outcome.FAIL, "", fmt.Errorf("files %s: %w", path, err)
	}

	worst := outcome.NOOP
	for _, name := range editBundles {
		eb, ok := r.Policy.LookupBundle(b.Namespace, policy.BundleTypeEditLine, name)
		if !ok {
			return outcome.FAIL, "", fmt.Errorf("files %s: edit_line bundle %q not found in namespace %q", path, name, b.Namespace)
		}
		o, err := r.runEditLineBundle(ctx, doc, eb)
		if err != nil {
			return outcome.FAIL, "", fmt.Errorf("files %s: edit_line %s: %w", path, name, err)
		}
		worst = outcome.Worst(worst, o)
	}

	if len(editBundles) > 0 {
		saveOutcome, err := doc.Save(r.Deps.DryRun)
		if err != nil {
			return outcome.FAIL, "", err
		}
		worst = outcome.Worst(worst, saveOutcome)
	}

	if r.Deps.Changes != nil {
		handle, _ := p.Handle()
		tag := r.Deps.Digest
		if tag == "" {
			tag = changetracker.Best
		}
		digest, err := changetracker.DigestFile(path, tag)
		if err != nil {
			klog.V(3).InfoS("files promise: could not digest file for change tracking", "path", path, "err", err)
		} else {
			result, err := r.Deps.Changes.CheckAndUpdateHash(path, tag, digest, !r.Deps.DryRun, handle)
			if err != nil {
				klog.ErrorS(err, "files promise: change tracker update failed", "path", path)
			} else if result == changetracker.HashChanged {
				worst = outcome.Worst(worst, outcome.CHANGE)
			}
		}
	}

	return worst, "", nil
}

func (r *Runner) actuatePackages(ctx context.Context, p *policy.Promise) (outcome.Outcome, string, error) {
	moduleName, _ := scalarAttr(p, "package_module")
	if moduleName == "" {
		moduleName = DefaultModule
	}
	module, hasModule := r.Deps.Modules[moduleName]
	cache, hasCache := r.Deps.Caches[moduleName]
	if !hasModule || !hasCache {
		return outcome.SKIPPED, fmt.Sprintf("package_module %q is not configured for this run", moduleName), nil
	}

	version, _ := scalarAttr(p, "package_version")
	archs := listAttr(p, "package_architectures")
	arch := ""
	if len(archs) > 0 {
		arch = archs[0]
	}
	policyAttr, _ := scalarAttr(p, "package_policy")
	if policyAttr == "" {
		policyAttr = "present"
	}

	pp := packagemodule.PackagePromise{
		Name:         p.Promiser,
		Version:      version,
		Architecture: arch,
		IfElapsed:    time.Duration(intAttr(p, "ifelapsed", 0)) * time.Minute,
		ExpireAfter:  time.Duration(intAttr(p, "expireafter", 0)) * time.Minute,
	}

	act := packagemodule.NewActuator(module, cache, r.Deps.Locks, p.Promiser)
	if r.Deps.DryRun {
		return outcome.WARN, "dry-run: package actuation skipped", nil
	}

	switch policyAttr {
	case "absent":
		o, err := act.Absent(ctx, time.Now(), pp)
		return o, "", err
	default:
		o, err := act.Present(ctx, time.Now(), pp)
		return o, "", err
	}
}
