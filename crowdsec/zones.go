package crowdsec

import (
	"fmt"
	"regexp"
	"strings"

	"appfw/waf"
)

// AppSec zone names the agent inspects, keyed by condition field.
var appSecZones = map[waf.Field]string{
	waf.FieldRequestPath:    "URI",
	waf.FieldURIFull:        "URI_FULL",
	waf.FieldQueryParameter: "ARGS",
	waf.FieldPostBody:       "BODY_ARGS",
	waf.FieldHeader:         "HEADERS",
	waf.FieldUserAgent:      "HEADERS",
	waf.FieldReferer:        "HEADERS",
	waf.FieldHost:           "HEADERS",
	waf.FieldCookie:         "COOKIES",
	waf.FieldMethod:         "METHOD",
	waf.FieldProtocol:       "PROTOCOL",
	waf.FieldIPAddress:      "ADDR",
	waf.FieldCountryCode:    "ENRICHED",
}

// Specific header variables for header-backed fields.
var appSecVariables = map[waf.Field]string{
	waf.FieldUserAgent: "User-Agent",
	waf.FieldReferer:   "Referer",
	waf.FieldHost:      "Host",
}

var appSecTransforms = map[waf.Transform]string{
	waf.TransformNormalizePath: "normalizepath",
	waf.TransformURLDecode:     "urldecode",
	waf.TransformBase64Decode:  "b64decode",
	waf.TransformTrim:          "trim",
	waf.TransformLowercase:     "lowercase",
}

func buildConditionNode(c waf.Condition) (node conditionNode, err error) {
	zone, known := appSecZones[c.Field]
	if !known {
		err = fmt.Errorf("field %q has no AppSec zone", c.Field)
		return
	}

	match, err := buildMatch(c)
	if err != nil {
		return
	}

	node = conditionNode{
		Zones: []string{zone},
		Match: match,
	}
	if variable, headerBacked := appSecVariables[c.Field]; headerBacked {
		node.Variables = []string{variable}
	}

	// Emit in canonical order so stored flag order never changes output.
	for _, t := range waf.TransformOrder {
		if hasTransform(c.Transforms, t) {
			node.Transform = append(node.Transform, appSecTransforms[t])
		}
	}

	return
}

func buildMatch(c waf.Condition) (*matchSpec, error) {
	switch c.Operator {
	case waf.OpEquals:
		return &matchSpec{Type: "equals", Value: c.Value}, nil
	case waf.OpNotEquals:
		return &matchSpec{Type: "equals", Value: c.Value, Negate: true}, nil
	case waf.OpContains:
		return &matchSpec{Type: "contains", Value: c.Value}, nil
	case waf.OpNotContains:
		return &matchSpec{Type: "contains", Value: c.Value, Negate: true}, nil
	case waf.OpStartsWith:
		return &matchSpec{Type: "startsWith", Value: c.Value}, nil
	case waf.OpEndsWith:
		return &matchSpec{Type: "endsWith", Value: c.Value}, nil
	case waf.OpRegex:
		return &matchSpec{Type: "regex", Value: c.Value}, nil
	case waf.OpGreaterThan:
		return &matchSpec{Type: "gt", Value: c.Value}, nil
	case waf.OpLessThan:
		return &matchSpec{Type: "lt", Value: c.Value}, nil
	case waf.OpIn:
		return &matchSpec{Type: "regex", Value: listRegex(c.Value)}, nil
	case waf.OpNotIn:
		return &matchSpec{Type: "regex", Value: listRegex(c.Value), Negate: true}, nil
	}
	return nil, fmt.Errorf("operator %q has no AppSec match type", c.Operator)
}

// listRegex expresses in/not_in membership as an anchored alternation, since
// the AppSec match vocabulary has no native list operator.
func listRegex(value string) string {
	items := waf.ListValues(value)
	escaped := make([]string, len(items))
	for i, item := range items {
		escaped[i] = regexp.QuoteMeta(item)
	}
	return "^(?:" + strings.Join(escaped, "|") + ")$"
}
