package outofband

import (
	"strings"

	"appfw/ruleeval"
	"appfw/waf"
)

// prefilter narrows the rule set per entry with one multi-regex scan before
// full evaluation. Prefilter matches can be broader than the exact regex
// semantics, so candidates are always verified by the evaluation engine;
// what the prefilter must never do is drop a rule that would have matched.
type prefilter struct {
	engine waf.MultiRegexEngine

	// regexPatternIDs maps rule id to the pattern ids of its regex
	// conditions. Rules without regex conditions are always candidates.
	regexPatternIDs map[int64][]int

	// pipelines are the distinct transform sets carried by any regex
	// condition. The evaluator matches the transformed value, so the scan
	// must cover each pipeline's view of the input or a transform-bearing
	// rule could be dropped before it ever reached the evaluator.
	pipelines [][]waf.Transform
}

// newPrefilter compiles all regex conditions of the rule set into one
// multi-regex database. With no factory or no regex conditions the
// prefilter passes everything through.
func (a *Analyzer) newPrefilter(rules []waf.Rule) (*prefilter, error) {
	pf := &prefilter{regexPatternIDs: make(map[int64][]int)}
	if a.factory == nil {
		return pf, nil
	}

	var patterns []waf.MultiRegexEnginePattern
	seenPipelines := make(map[string]bool)
	nextID := 0
	for _, rule := range rules {
		for _, cond := range rule.Conditions {
			if cond.Operator != waf.OpRegex {
				continue
			}
			patterns = append(patterns, waf.MultiRegexEnginePattern{ID: nextID, Expr: cond.Value})
			pf.regexPatternIDs[rule.ID] = append(pf.regexPatternIDs[rule.ID], nextID)
			nextID++

			if len(cond.Transforms) == 0 {
				continue
			}
			key := pipelineKey(cond.Transforms)
			if !seenPipelines[key] {
				seenPipelines[key] = true
				pf.pipelines = append(pf.pipelines, cond.Transforms)
			}
		}
	}
	if len(patterns) == 0 {
		return pf, nil
	}

	engine, err := a.factory.NewMultiRegexEngine(patterns)
	if err != nil {
		return nil, err
	}
	pf.engine = engine
	return pf, nil
}

// pipelineKey canonicalizes a transform set the same way ApplyTransforms
// does, so two orderings of the same transforms share one scan.
func pipelineKey(tt []waf.Transform) string {
	enabled := make(map[waf.Transform]bool, len(tt))
	for _, t := range tt {
		enabled[t] = true
	}
	var b strings.Builder
	for _, t := range waf.TransformOrder {
		if enabled[t] {
			b.WriteString(string(t))
			b.WriteByte(',')
		}
	}
	return b.String()
}

// candidates returns the rules worth fully evaluating for this entry.
func (pf *prefilter) candidates(rules []waf.Rule, attrs waf.RequestAttributes) ([]waf.Rule, error) {
	if pf.engine == nil {
		return rules, nil
	}

	matched, err := pf.scan(attrs)
	if err != nil {
		return nil, err
	}

	var out []waf.Rule
	for _, rule := range rules {
		if pf.isCandidate(rule, matched) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (pf *prefilter) scan(attrs waf.RequestAttributes) (map[int]bool, error) {
	matched := make(map[int]bool)
	for _, value := range attrs {
		if value == "" {
			continue
		}
		if err := pf.scanValue(value, matched); err != nil {
			return nil, err
		}
		for _, tt := range pf.pipelines {
			transformed := ruleeval.ApplyTransforms(value, tt)
			if transformed == value || transformed == "" {
				continue
			}
			if err := pf.scanValue(transformed, matched); err != nil {
				return nil, err
			}
		}
	}
	return matched, nil
}

func (pf *prefilter) scanValue(value string, matched map[int]bool) error {
	ids, err := pf.engine.Scan([]byte(value))
	if err != nil {
		return err
	}
	for _, id := range ids {
		matched[id] = true
	}
	return nil
}

func (pf *prefilter) isCandidate(rule waf.Rule, matched map[int]bool) bool {
	patternIDs := pf.regexPatternIDs[rule.ID]
	if len(patternIDs) == 0 {
		return true
	}

	if rule.LogicalOperator == waf.LogicalOr {
		// Any prefilter hit, or any non-regex condition, can satisfy an OR.
		if len(patternIDs) < len(rule.Conditions) {
			return true
		}
		for _, id := range patternIDs {
			if matched[id] {
				return true
			}
		}
		return false
	}

	// AND: every regex condition must at least prefilter-match.
	for _, id := range patternIDs {
		if !matched[id] {
			return false
		}
	}
	return true
}

func (pf *prefilter) close() {
	if pf.engine != nil {
		pf.engine.Close()
	}
}
