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

package runner

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/convergent/agentcore/pkg/editline"
	"github.com/convergent/agentcore/pkg/eval"
	"github.com/convergent/agentcore/pkg/outcome"
	"github.com/convergent/agentcore/pkg/policy"
)

// runEditLineBundle loads path as an editline.Document and runs every
// promise of b — an edit_line-type bundle named from a files promise's
// edit_line attribute — against it, in the fixed section order and
// multi-pass convergence loop RunBundle implements. Saving the document is
// the caller's responsibility once every named bundle has run, so several
// edit_line bundles invoked against the same file compose into one save.
func (r *Runner) runEditLineBundle(ctx *eval.Context, doc *editline.Document, b *policy.Bundle) (outcome.Outcome, error) {
	ctx.PushBundleFrame(b)
	defer ctx.Pop()

	return editline.RunBundle(doc, func(d *editline.Document, sectionType string) (outcome.Outcome, error) {
		return r.runEditLineSection(ctx, d, b, sectionType)
	})
}

func (r *Runner) runEditLineSection(ctx *eval.Context, doc *editline.Document, b *policy.Bundle, sectionType string) (outcome.Outcome, error) {
	worst := outcome.NOOP
	for _, sections := range [][]policy.BundleSection{b.BuiltinSections, b.CustomSections} {
		for i := range sections {
			sec := &sections[i]
			if sec.PromiseType != sectionType {
				continue
			}
			ctx.PushSectionFrame(sec.PromiseType)
			for j := range sec.Promises {
				tmpl := &sec.Promises[j]
				o, err := r.actuateEditLinePromise(ctx, doc, b, sectionType, tmpl)
				if err != nil {
					ctx.Pop()
					return worst, err
				}
				worst = outcome.Worst(worst, o)
			}
			ctx.Pop()
		}
	}
	return worst, nil
}

// actuateEditLinePromise expands one template promise of an edit_line
// section and actuates every concrete instance it produces against doc.
func (r *Runner) actuateEditLinePromise(ctx *eval.Context, doc *editline.Document, b *policy.Bundle, sectionType string, tmpl *policy.Promise) (outcome.Outcome, error) {
	guard, err := ctx.IsDefinedClass(tmpl.ClassGuard)
	if err != nil {
		return outcome.FAIL, fmt.Errorf("edit_line %s: class guard %q: %w", tmpl.Promiser, tmpl.ClassGuard, err)
	}
	if !guard {
		return outcome.SKIPPED, nil
	}

	return r.Deps.Expander.Expand(ctx, sectionType, tmpl, func(concrete *policy.Promise) (outcome.Outcome, error) {
		o, err := dispatchEditLineSection(doc, b.Namespace, r.Policy, sectionType, concrete)
		if handle, ok := concrete.Handle(); ok {
			ctx.RecordPromiseOutcome(handle, o)
		}
		return o, err
	})
}

func dispatchEditLineSection(doc *editline.Document, ns string, pol *policy.Policy, sectionType string, p *policy.Promise) (outcome.Outcome, error) {
	switch sectionType {
	case "insert_lines":
		return actuateInsertLines(doc, ns, pol, p)
	case "delete_lines":
		return actuateDeleteLines(doc, ns, pol, p)
	case "replace_patterns":
		return actuateReplacePatterns(doc, ns, pol, p)
	case "field_edits":
		return actuateFieldEdits(doc, ns, pol, p)
	case "vars", "classes":
		// Variable/class declarations inside an edit_line bundle are not
		// actuated here: they set no variable (edit-scope or otherwise) and
		// no class, and are reported as NOOP.
		return outcome.NOOP, nil
	case "reports":
		klog.V(2).InfoS("edit_line report", "promiser", p.Promiser)
		return outcome.NOOP, nil
	default:
		return outcome.SKIPPED, nil
	}
}

func resolveRegion(pol *policy.Policy, ns string, p *policy.Promise) (editline.Region, error) {
	body, ok := bodyRef(pol, ns, p, "select_region", "select_region")
	if !ok {
		return editline.Region{}, nil
	}
	var region editline.Region
	region.StartPattern, _ = bodyScalar(body, "select_start")
	region.EndPattern, _ = bodyScalar(body, "select_end")
	region.IncludeStart = bodyBool(body, "include_start")
	region.IncludeEnd = bodyBool(body, "include_end")
	region.SelectEndMatchEOF = bodyBool(body, "select_end_match_eof")
	return region, nil
}

func resolveWhitespacePolicy(pol *policy.Policy, ns string, p *policy.Promise) editline.WhitespacePolicy {
	body, ok := bodyRef(pol, ns, p, "whitespace_policy", "insert_match")
	if !ok {
		return editline.ExactMatch
	}
	v, _ := bodyScalar(body, "whitespace_policy")
	return editline.WhitespacePolicy(v)
}

func resolveAnchor(pol *policy.Policy, ns string, p *policy.Promise) editline.Anchor {
	var a editline.Anchor
	a.Side = editline.Before
	a.First = true
	body, ok := bodyRef(pol, ns, p, "location", "location")
	if !ok {
		return a
	}
	a.LineMatching, _ = bodyScalar(body, "line_matching")
	if side, ok := bodyScalar(body, "before_after"); ok && side == "after" {
		a.Side = editline.After
	}
	if which, ok := bodyScalar(body, "first_last"); ok && which == "last" {
		a.First = false
	}
	return a
}

func actuateInsertLines(doc *editline.Document, ns string, pol *policy.Policy, p *policy.Promise) (outcome.Outcome, error) {
	region, err := resolveRegion(pol, ns, p)
	if err != nil {
		return outcome.FAIL, err
	}
	insertType, _ := scalarAttr(p, "insert_type")
	if insertType == "" {
		insertType = string(editline.Literal)
	}
	opts := editline.InsertOptions{
		Type:   editline.InsertType(insertType),
		Anchor: resolveAnchor(pol, ns, p),
		Policy: resolveWhitespacePolicy(pol, ns, p),
		Region: region,
	}
	return editline.InsertLines(doc, p.Promiser, opts)
}

func actuateDeleteLines(doc *editline.Document, ns string, pol *policy.Policy, p *policy.Promise) (outcome.Outcome, error) {
	region, err := resolveRegion(pol, ns, p)
	if err != nil {
		return outcome.FAIL, err
	}
	opts := editline.DeleteOptions{
		NotMatching: boolAttr(p, "not_matching"),
		Policy:      resolveWhitespacePolicy(pol, ns, p),
		Region:      region,
	}
	return editline.DeleteLines(doc, p.Promiser, opts)
}

func actuateReplacePatterns(doc *editline.Document, ns string, pol *policy.Policy, p *policy.Promise) (outcome.Outcome, error) {
	region, err := resolveRegion(pol, ns, p)
	if err != nil {
		return outcome.FAIL, err
	}
	replacement, _ := scalarAttr(p, "replace_value")
	occurrences, _ := scalarAttr(p, "occurrences")
	if occurrences == "" {
		occurrences = string(editline.All)
	}
	opts := editline.ReplaceOptions{
		Pattern:     p.Promiser,
		Replacement: replacement,
		Occurrences: editline.Occurrences(occurrences),
		Region:      region,
	}
	return editline.ReplacePatterns(doc, opts)
}

func actuateFieldEdits(doc *editline.Document, ns string, pol *policy.Policy, p *policy.Promise) (outcome.Outcome, error) {
	region, err := resolveRegion(pol, ns, p)
	if err != nil {
		return outcome.FAIL, err
	}
	fieldSep, _ := scalarAttr(p, "field_separator")
	valueSep, _ := scalarAttr(p, "value_separator")
	value, _ := scalarAttr(p, "field_value")
	op, _ := scalarAttr(p, "field_operation")
	if op == "" {
		op = string(editline.FieldAppend)
	}
	opts := editline.FieldOptions{
		LinePattern:    p.Promiser,
		FieldSeparator: fieldSep,
		SelectField:    intAttr(p, "select_field", 1),
		ValueSeparator: valueSep,
		Operation:      editline.FieldOperation(op),
		Value:          value,
		ExtendColumns:  boolAttr(p, "extend_columns"),
		Region:         region,
	}
	return editline.FieldEdits(doc, opts)
}
