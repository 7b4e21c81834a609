package crowdsec

import (
	"fmt"
	"regexp"
	"strings"

	"appfw/waf"
)

// Filter expressions use the agent's expression language over parsed log
// events, e.g. ToLower(UrlDecode(evt.Parsed.request)) == "/admin". Built as
// a typed tree, never by interpolating operator input into quoted strings
// without escaping.

var exprFields = map[waf.Field]string{
	waf.FieldRequestPath:    "evt.Parsed.request",
	waf.FieldURIFull:        "evt.Parsed.uri",
	waf.FieldMethod:         "evt.Parsed.verb",
	waf.FieldQueryParameter: "evt.Parsed.uri",
	waf.FieldUserAgent:      "evt.Parsed.http_user_agent",
	waf.FieldReferer:        "evt.Parsed.http_referer",
	waf.FieldHost:           "evt.Meta.target_fqdn",
	waf.FieldProtocol:       "evt.Parsed.http_version",
	waf.FieldIPAddress:      "evt.Meta.source_ip",
	waf.FieldCountryCode:    "evt.Enriched.IsoCode",
	waf.FieldStatusCode:     "evt.Meta.http_status",
}

var exprTransformFuncs = map[waf.Transform]string{
	waf.TransformNormalizePath: "NormalizePath",
	waf.TransformURLDecode:     "UrlDecode",
	waf.TransformBase64Decode:  "B64Decode",
	waf.TransformTrim:          "Trim",
	waf.TransformLowercase:     "ToLower",
}

// buildFilter renders the full scenario filter for a rule: an http service
// guard plus each condition joined by the rule's logical operator.
func buildFilter(rule waf.Rule) (string, error) {
	exprs := []string{`evt.Meta.service == "http"`}

	conditionExprs := make([]string, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		expr, err := buildConditionExpr(c)
		if err != nil {
			return "", err
		}
		conditionExprs = append(conditionExprs, expr)
	}

	joiner := " and "
	if rule.LogicalOperator == waf.LogicalOr {
		joiner = " or "
	}
	combined := strings.Join(conditionExprs, joiner)
	if len(conditionExprs) > 1 && rule.LogicalOperator == waf.LogicalOr {
		// Parenthesize so the OR group binds tighter than the guard's AND.
		combined = "(" + combined + ")"
	}

	exprs = append(exprs, combined)
	return strings.Join(exprs, " and "), nil
}

func buildConditionExpr(c waf.Condition) (string, error) {
	extractor, known := exprFields[c.Field]
	if !known {
		return "", fmt.Errorf("field %q has no event extractor", c.Field)
	}

	// Transforms compose outside-in following the canonical order, so the
	// last transform applied is the outermost call.
	for _, t := range waf.TransformOrder {
		if !hasTransform(c.Transforms, t) {
			continue
		}
		extractor = exprTransformFuncs[t] + "(" + extractor + ")"
	}

	switch c.Operator {
	case waf.OpEquals:
		return fmt.Sprintf("%s == %s", extractor, quote(c.Value)), nil
	case waf.OpNotEquals:
		return fmt.Sprintf("%s != %s", extractor, quote(c.Value)), nil
	case waf.OpContains:
		return fmt.Sprintf("%s contains %s", extractor, quote(c.Value)), nil
	case waf.OpNotContains:
		return fmt.Sprintf("!(%s contains %s)", extractor, quote(c.Value)), nil
	case waf.OpStartsWith:
		return fmt.Sprintf("%s startsWith %s", extractor, quote(c.Value)), nil
	case waf.OpEndsWith:
		return fmt.Sprintf("%s endsWith %s", extractor, quote(c.Value)), nil
	case waf.OpRegex:
		// Single quotes do not escape regex metacharacters, so the pattern
		// survives as written apart from the quote itself.
		return fmt.Sprintf("%s matches %s", extractor, singleQuote(c.Value)), nil
	case waf.OpGreaterThan:
		return fmt.Sprintf("%s > %s", extractor, c.Value), nil
	case waf.OpLessThan:
		return fmt.Sprintf("%s < %s", extractor, c.Value), nil
	case waf.OpIn:
		return fmt.Sprintf("%s in [%s]", extractor, quoteList(c.Value)), nil
	case waf.OpNotIn:
		return fmt.Sprintf("%s not in [%s]", extractor, quoteList(c.Value)), nil
	}

	return "", fmt.Errorf("operator %q has no filter expression", c.Operator)
}

func hasTransform(tt []waf.Transform, t waf.Transform) bool {
	for _, candidate := range tt {
		if candidate == t {
			return true
		}
	}
	return false
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func singleQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

func quoteList(value string) string {
	items := waf.ListValues(value)
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = singleQuote(item)
	}
	return strings.Join(quoted, ", ")
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// sanitizeName turns an operator-facing rule name into an identifier safe
// for document names.
func sanitizeName(name string) string {
	return strings.Trim(nameSanitizer.ReplaceAllString(strings.ToLower(name), "_"), "_")
}
