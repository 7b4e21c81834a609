package ruleeval

import (
	"testing"

	"appfw/testutils"
	"appfw/waf"

	"github.com/stretchr/testify/assert"
)

type mockGeoDB struct {
	byIP map[string]string
}

func (g *mockGeoDB) PutGeoIPData(records []waf.GeoIPDataRecord) error { return nil }
func (g *mockGeoDB) GeoLookup(ipAddr string) string                   { return g.byIP[ipAddr] }

func newTestEvaluator(t *testing.T) *Evaluator {
	return NewEvaluator(testutils.NewTestLogger(t), &mockGeoDB{byIP: map[string]string{"203.0.113.7": "CM"}})
}

func TestEvaluateOperators(t *testing.T) {
	attrs := waf.RequestAttributes{
		waf.FieldRequestPath: "/wp-login.php",
		waf.FieldMethod:      "POST",
		waf.FieldUserAgent:   "EvilBot/2.0",
		waf.FieldStatusCode:  "503",
	}

	type testcase struct {
		field    waf.Field
		op       waf.Operator
		value    string
		expected bool
	}
	tests := []testcase{
		{waf.FieldRequestPath, waf.OpEquals, "/wp-login.php", true},
		{waf.FieldRequestPath, waf.OpEquals, "/wp-login", false},
		{waf.FieldRequestPath, waf.OpNotEquals, "/wp-login", true},
		{waf.FieldRequestPath, waf.OpContains, "wp-", true},
		{waf.FieldRequestPath, waf.OpNotContains, "xmlrpc", true},
		{waf.FieldRequestPath, waf.OpStartsWith, "/wp", true},
		{waf.FieldRequestPath, waf.OpEndsWith, ".php", true},
		{waf.FieldUserAgent, waf.OpRegex, "(?i)(bot|crawler)", true},
		{waf.FieldUserAgent, waf.OpRegex, "^curl", false},
		{waf.FieldMethod, waf.OpIn, "POST, PUT, DELETE", true},
		{waf.FieldMethod, waf.OpIn, "GET, HEAD", false},
		{waf.FieldMethod, waf.OpNotIn, "GET, HEAD", true},
		{waf.FieldStatusCode, waf.OpGreaterThan, "499", true},
		{waf.FieldStatusCode, waf.OpLessThan, "500", false},
	}

	e := newTestEvaluator(t)
	for i, test := range tests {
		c := waf.Condition{Field: test.field, Operator: test.op, Value: test.value}
		assert.Equal(t, test.expected, e.Evaluate(c, attrs), "test case %v", i)
	}
}

func TestEvaluateMissingAttributeIsEmptyString(t *testing.T) {
	e := newTestEvaluator(t)
	attrs := waf.RequestAttributes{}

	assert.False(t, e.Evaluate(waf.Condition{Field: waf.FieldUserAgent, Operator: waf.OpContains, Value: "bot"}, attrs))
	assert.True(t, e.Evaluate(waf.Condition{Field: waf.FieldUserAgent, Operator: waf.OpEquals, Value: ""}, attrs))
}

func TestEvaluateMalformedRegexFailsOpen(t *testing.T) {
	// Arrange
	e := newTestEvaluator(t)
	var reported string
	e.OnRegexError = func(pattern string, err error) { reported = pattern }
	c := waf.Condition{Field: waf.FieldRequestPath, Operator: waf.OpRegex, Value: "(unclosed"}
	attrs := waf.RequestAttributes{waf.FieldRequestPath: "(unclosed"}

	// Act
	matched := e.Evaluate(c, attrs)
	matchedAgain := e.Evaluate(c, attrs)

	// Assert: never matches, never panics, hook fires once per pattern.
	assert.False(t, matched)
	assert.False(t, matchedAgain)
	assert.Equal(t, "(unclosed", reported)
}

func TestEvaluateNumericCompareFailsClosed(t *testing.T) {
	e := newTestEvaluator(t)
	attrs := waf.RequestAttributes{waf.FieldRequestPath: "/admin"}

	c := waf.Condition{Field: waf.FieldRequestPath, Operator: waf.OpGreaterThan, Value: "10"}
	assert.False(t, e.Evaluate(c, attrs))

	c = waf.Condition{Field: waf.FieldStatusCode, Operator: waf.OpLessThan, Value: "many"}
	assert.False(t, e.Evaluate(c, waf.RequestAttributes{waf.FieldStatusCode: "200"}))
}

func TestEvaluateTransformsApplyOnlyToObservedValue(t *testing.T) {
	e := newTestEvaluator(t)
	attrs := waf.RequestAttributes{waf.FieldRequestPath: "/ADMIN"}

	// Observed value is lowercased; the configured value is compared as
	// written by the author.
	c := waf.Condition{
		Field:      waf.FieldRequestPath,
		Operator:   waf.OpEquals,
		Value:      "/admin",
		Transforms: []waf.Transform{waf.TransformLowercase},
	}
	assert.True(t, e.Evaluate(c, attrs))

	c.Value = "/ADMIN"
	assert.False(t, e.Evaluate(c, attrs))
}

func TestEvaluateCountryCodeDerivedFromSourceIP(t *testing.T) {
	e := newTestEvaluator(t)
	attrs := waf.RequestAttributes{waf.FieldIPAddress: "203.0.113.7"}

	c := waf.Condition{Field: waf.FieldCountryCode, Operator: waf.OpIn, Value: "CM,SN"}
	assert.True(t, e.Evaluate(c, attrs))

	c = waf.Condition{Field: waf.FieldCountryCode, Operator: waf.OpNotIn, Value: "CM,SN"}
	assert.False(t, e.Evaluate(c, attrs))
}
