// Package hyperscan implements waf.MultiRegexEngine on Hyperscan, so the
// out-of-band analyzer can scan a request against every regex condition of
// every rule in one pass.
package hyperscan

import (
	"appfw/waf"

	hs "github.com/flier/gohs/hyperscan"
)

// EngineFactory implements waf.MultiRegexEngineFactory.
type EngineFactory struct {
}

// Engine implements waf.MultiRegexEngine.
type Engine struct {
	// Hyperscan's compiled database of regexes
	db hs.BlockDatabase

	// Pre-allocated memory space that Hyperscan needs during evaluation
	scratch *hs.Scratch
}

// NewMultiRegexEngineFactory creates a waf.MultiRegexEngineFactory.
func NewMultiRegexEngineFactory() waf.MultiRegexEngineFactory {
	return &EngineFactory{}
}

// NewMultiRegexEngine creates a waf.MultiRegexEngine.
func (f *EngineFactory) NewMultiRegexEngine(mm []waf.MultiRegexEnginePattern) (m waf.MultiRegexEngine, err error) {
	h := &Engine{}

	patterns := []*hs.Pattern{}
	for _, m := range mm {
		p := hs.NewPattern(m.Expr, 0)
		p.Id = m.ID

		// SingleMatch records at most one match per pattern. PrefilterMode
		// gives broader regex compatibility at the cost of possible false
		// positives, so hits must be verified with a full regex engine.
		p.Flags = hs.SingleMatch | hs.PrefilterMode

		patterns = append(patterns, p)
	}

	h.db, err = hs.NewBlockDatabase(patterns...)
	if err != nil {
		return
	}

	h.scratch, err = hs.NewScratch(h.db)
	if err != nil {
		h.db.Close()
		return
	}

	m = h
	return
}

// Scan scans the given input for all expressions this engine was built with.
func (h *Engine) Scan(input []byte) (matchedIDs []int, err error) {
	matchedIDs = []int{}
	handler := func(id uint, from, to uint64, flags uint, context interface{}) error {
		matchedIDs = append(matchedIDs, int(id))
		return nil
	}

	err = h.db.Scan(input, h.scratch, handler, nil)
	return
}

// Close frees the compiled database and scratch space.
func (h *Engine) Close() {
	if h.scratch != nil {
		h.scratch.Free()
		h.scratch = nil
	}
	if h.db != nil {
		h.db.Close()
		h.db = nil
	}
}
