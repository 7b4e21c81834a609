package waf

// MultiRegexEngineFactory creates engines that scan for many regexes at once,
// such as Hyperscan. Used by the out-of-band analyzer to prefilter logged
// traffic against every regex condition in one pass.
type MultiRegexEngineFactory interface {
	NewMultiRegexEngine(patterns []MultiRegexEnginePattern) (MultiRegexEngine, error)
}

// MultiRegexEngine scans input for all patterns it was built with. Matches
// may be broader than the exact pattern semantics (prefilter mode) and must
// be verified by a full regex engine before acting on them.
type MultiRegexEngine interface {
	Scan(input []byte) (matchedIDs []int, err error)
	Close()
}

// MultiRegexEnginePattern tells the factory what to scan for.
type MultiRegexEnginePattern struct {
	ID   int
	Expr string
}
