package filter

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/stellar-expert/notifier/ledger"
)

// Spec is the uncompiled form of a subscription filter as it appears in
// configuration. Empty dimensions match everything.
type Spec struct {
	Accounts       []string
	OperationTypes []string
	Assets         []string
}

// Filter decides whether an operation is relevant to a subscription
type Filter struct {
	accounts   map[string]struct{}
	opGlobs    []glob.Glob
	assetGlobs []glob.Glob
}

// New compiles a filter from its spec
func New(spec Spec) (*Filter, error) {
	f := &Filter{
		accounts:   make(map[string]struct{}, len(spec.Accounts)),
		opGlobs:    make([]glob.Glob, 0, len(spec.OperationTypes)),
		assetGlobs: make([]glob.Glob, 0, len(spec.Assets)),
	}

	for _, account := range spec.Accounts {
		f.accounts[account] = struct{}{}
	}

	for _, pattern := range spec.OperationTypes {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid operation type pattern %q: %w", pattern, err)
		}
		f.opGlobs = append(f.opGlobs, g)
	}

	// ':' separates code and issuer, so it is the glob separator for assets
	for _, pattern := range spec.Assets {
		g, err := glob.Compile(pattern, ':')
		if err != nil {
			return nil, fmt.Errorf("invalid asset pattern %q: %w", pattern, err)
		}
		f.assetGlobs = append(f.assetGlobs, g)
	}

	return f, nil
}

// Match returns true if the operation satisfies every configured dimension
func (f *Filter) Match(op ledger.Operation) bool {
	if len(f.accounts) > 0 {
		found := false
		for _, account := range op.Accounts {
			if _, ok := f.accounts[account]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.opGlobs) > 0 && !anyMatch(f.opGlobs, op.Type) {
		return false
	}

	if len(f.assetGlobs) > 0 {
		for _, asset := range op.Assets() {
			if anyMatch(f.assetGlobs, asset) {
				return true
			}
		}
		return false
	}

	return true
}

func anyMatch(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
