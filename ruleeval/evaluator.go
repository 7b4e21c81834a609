package ruleeval

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"appfw/waf"

	"github.com/rs/zerolog"
)

// Evaluator evaluates single conditions against a request attribute set.
//
// Evaluation never returns an error: a malformed regex or a missing attribute
// yields false. A regex compile failure therefore silently disables the
// condition; OnRegexError gives operators a hook to surface that.
type Evaluator struct {
	logger zerolog.Logger
	geoDB  waf.GeoDB

	// OnRegexError is invoked once per failing pattern compile, if set.
	OnRegexError func(pattern string, err error)

	mu         sync.Mutex
	regexCache map[string]*compiledRegex
}

type compiledRegex struct {
	re  *regexp.Regexp
	bad bool
}

// NewEvaluator creates a condition evaluator. geoDB may be nil when no
// country_code conditions are in use.
func NewEvaluator(logger zerolog.Logger, geoDB waf.GeoDB) *Evaluator {
	return &Evaluator{
		logger:     logger,
		geoDB:      geoDB,
		regexCache: make(map[string]*compiledRegex),
	}
}

// Evaluate reports whether a condition matches the given attributes.
// Transforms apply only to the observed value, never to the author-supplied
// condition value.
func (e *Evaluator) Evaluate(c waf.Condition, attrs waf.RequestAttributes) bool {
	observed := e.extract(c.Field, attrs)
	observed = ApplyTransforms(observed, c.Transforms)

	switch c.Operator {
	case waf.OpEquals:
		return observed == c.Value
	case waf.OpNotEquals:
		return observed != c.Value
	case waf.OpContains:
		return strings.Contains(observed, c.Value)
	case waf.OpNotContains:
		return !strings.Contains(observed, c.Value)
	case waf.OpStartsWith:
		return strings.HasPrefix(observed, c.Value)
	case waf.OpEndsWith:
		return strings.HasSuffix(observed, c.Value)
	case waf.OpRegex:
		// Contains-match, not anchored, unless the author anchors.
		re := e.compile(c.Value)
		if re == nil {
			return false
		}
		return re.MatchString(observed)
	case waf.OpGreaterThan, waf.OpLessThan:
		return e.numericCompare(c.Operator, observed, c.Value)
	case waf.OpIn:
		return inList(observed, c.Value)
	case waf.OpNotIn:
		return !inList(observed, c.Value)
	}

	// Unknown operators are rejected at the boundary; anything that slips
	// through fails closed.
	return false
}

// extract reads the attribute a condition inspects. Missing attributes read
// as empty string. country_code is derived from the source IP when the
// reporter did not enrich it.
func (e *Evaluator) extract(f waf.Field, attrs waf.RequestAttributes) string {
	v := attrs.Get(f)
	if v == "" && f == waf.FieldCountryCode && e.geoDB != nil {
		if ip := attrs.Get(waf.FieldIPAddress); ip != "" {
			v = e.geoDB.GeoLookup(ip)
		}
	}
	return v
}

func (e *Evaluator) compile(pattern string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, seen := e.regexCache[pattern]; seen {
		return cached.re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e.logger.Warn().Err(err).Str("pattern", pattern).Msg("Condition regex failed to compile, condition will never match")
		if e.OnRegexError != nil {
			e.OnRegexError(pattern, err)
		}
		e.regexCache[pattern] = &compiledRegex{bad: true}
		return nil
	}

	e.regexCache[pattern] = &compiledRegex{re: re}
	return re
}

// numericCompare fails closed: non-numeric operands evaluate to false.
func (e *Evaluator) numericCompare(op waf.Operator, observed string, value string) bool {
	lhs, err := strconv.ParseFloat(strings.TrimSpace(observed), 64)
	if err != nil {
		return false
	}
	rhs, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}
	if op == waf.OpGreaterThan {
		return lhs > rhs
	}
	return lhs < rhs
}

func inList(observed string, value string) bool {
	for _, item := range waf.ListValues(value) {
		if observed == item {
			return true
		}
	}
	return false
}
