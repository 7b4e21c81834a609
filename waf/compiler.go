package waf

// Document is one declarative configuration file for the enforcement agent.
type Document struct {
	Filename string
	Content  []byte
}

// CompiledRule is the set of artifacts a single rule compiles to. AppSecRule
// is set for path_only and hybrid rules; Scenario for ip_ban and hybrid. For
// hybrid both are set and reference the same condition set.
type CompiledRule struct {
	AppSecRule *Document
	Scenario   *Document
}

// Documents returns the non-nil artifacts in emission order.
func (c CompiledRule) Documents() []Document {
	var dd []Document
	if c.AppSecRule != nil {
		dd = append(dd, *c.AppSecRule)
	}
	if c.Scenario != nil {
		dd = append(dd, *c.Scenario)
	}
	return dd
}

// Compiler turns rules into the declarative documents the enforcement agent
// consumes. Compilation is pure and deterministic: the same rule state must
// yield byte-identical documents.
type Compiler interface {
	Compile(rule Rule, appID string) (CompiledRule, error)

	// CompileConfig emits the top-level agent configuration for an
	// application, referencing the given enabled rules.
	CompileConfig(config FirewallConfig, rules []Rule) (Document, error)
}
