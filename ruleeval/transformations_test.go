package ruleeval

import (
	"testing"

	"appfw/waf"

	"github.com/stretchr/testify/assert"
)

func TestApplyTransforms(t *testing.T) {
	type testcase struct {
		input      string
		transforms []waf.Transform
		expected   string
	}
	tests := []testcase{
		{"ABC", []waf.Transform{waf.TransformLowercase}, "abc"},
		{"ABC", nil, "ABC"},
		{"  x  ", []waf.Transform{waf.TransformTrim}, "x"},
		{"%2Fadmin", []waf.Transform{waf.TransformURLDecode}, "/admin"},
		{"%zz", []waf.Transform{waf.TransformURLDecode}, "%zz"},
		{"L2FkbWlu", []waf.Transform{waf.TransformBase64Decode}, "/admin"},
		{"not-base64!", []waf.Transform{waf.TransformBase64Decode}, "not-base64!"},
		{"/a/./b/../c", []waf.Transform{waf.TransformNormalizePath}, "/a/c"},
		{"//admin//", []waf.Transform{waf.TransformNormalizePath}, "/admin"},
		{"/%41dmin/../%41DMIN", []waf.Transform{waf.TransformURLDecode, waf.TransformLowercase, waf.TransformNormalizePath}, "/admin"},
	}

	for i, test := range tests {
		actual := ApplyTransforms(test.input, test.transforms)
		assert.Equal(t, test.expected, actual, "test case %v", i)
	}
}

func TestApplyTransformsOrderIndependentOfStorage(t *testing.T) {
	// The stored order of the flags must not matter.
	input := "  %2FAdmin%2F..%2FADMIN  "
	forward := []waf.Transform{waf.TransformNormalizePath, waf.TransformURLDecode, waf.TransformTrim, waf.TransformLowercase}
	scrambled := []waf.Transform{waf.TransformLowercase, waf.TransformTrim, waf.TransformURLDecode, waf.TransformNormalizePath}

	assert.Equal(t, ApplyTransforms(input, forward), ApplyTransforms(input, scrambled))
}
