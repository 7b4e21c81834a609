package ruleeval

import (
	"encoding/base64"
	"net/url"
	"path"
	"strings"

	"appfw/waf"
)

// ApplyTransforms normalizes an observed request value. Transforms always run
// in the canonical order (normalize_path, url_decode, base64_decode, trim,
// lowercase) no matter how they were ordered in storage, so evaluation and
// compiled filters agree on the result.
func ApplyTransforms(s string, tt []waf.Transform) string {
	if len(tt) == 0 {
		return s
	}

	enabled := make(map[waf.Transform]bool, len(tt))
	for _, t := range tt {
		enabled[t] = true
	}

	for _, t := range waf.TransformOrder {
		if !enabled[t] {
			continue
		}
		switch t {
		case waf.TransformNormalizePath:
			s = normalizePath(s)
		case waf.TransformURLDecode:
			if decoded, err := url.PathUnescape(s); err == nil {
				s = decoded
			}
			// On decode error the value is kept as observed.
		case waf.TransformBase64Decode:
			if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
				s = string(decoded)
			}
		case waf.TransformTrim:
			s = strings.TrimSpace(s)
		case waf.TransformLowercase:
			s = strings.ToLower(s)
		}
	}

	return s
}

// normalizePath resolves dot segments and collapses duplicate slashes while
// keeping a trailing slash significant only for the root path.
func normalizePath(s string) string {
	if s == "" {
		return s
	}
	cleaned := path.Clean(s)
	if cleaned == "." {
		return ""
	}
	return cleaned
}
