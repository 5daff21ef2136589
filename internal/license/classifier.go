// Package license implements the License Classifier: a pure function over a
// license expression string and a snapshot of the SupportedLicense table.
package license

import (
	"fmt"
	"strings"

	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
)

// Table is a read-only snapshot of the SupportedLicense table, indexed for
// exact and variation lookups.
type Table struct {
	exact map[string]pkgmgr.LicenceTier
}

// NewTable builds a lookup table from a SupportedLicense snapshot.
func NewTable(licenses []pkgmgr.SupportedLicense) *Table {
	t := &Table{exact: make(map[string]pkgmgr.LicenceTier, len(licenses))}
	for _, l := range licenses {
		t.exact[l.Identifier] = l.Tier
	}
	return t
}

func (t *Table) lookup(identifier string) (pkgmgr.LicenceTier, bool) {
	if tier, ok := t.exact[identifier]; ok {
		return tier, true
	}
	for _, variant := range variations(identifier) {
		if tier, ok := t.exact[variant]; ok {
			return tier, true
		}
	}
	return pkgmgr.TierUnknown, false
}

func variations(identifier string) []string {
	return []string{
		strings.ToLower(identifier),
		strings.ToUpper(identifier),
		strings.ReplaceAll(identifier, "-", " "),
		strings.ReplaceAll(identifier, " ", "-"),
		strings.ReplaceAll(identifier, "_", "-"),
		strings.ReplaceAll(identifier, "_", " "),
	}
}

// Result is the classifier's verdict for one expression.
type Result struct {
	Score    int
	Tier     pkgmgr.LicenceTier
	Errors   []string
	Warnings []string
}

// Classify evaluates a license expression against table: empty expressions
// score 0/unknown, simple identifiers look up directly (falling back to
// score 50/unknown when unrecognized), and composite OR/AND expressions
// recurse over their leaves.
func Classify(table *Table, expression string) Result {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return Result{Score: 0, Tier: pkgmgr.TierUnknown, Errors: []string{"no license"}}
	}
	return evalExpr(table, expression)
}

func evalExpr(table *Table, expr string) Result {
	expr = strings.TrimSpace(expr)
	expr = stripWrappingParens(expr)

	if or, ok := splitTopLevel(expr, "OR", "|"); ok {
		return combineOR(table, or)
	}
	if and, ok := splitTopLevel(expr, "AND", "&"); ok {
		return combineAND(table, and)
	}
	return evalLeaf(table, expr)
}

func evalLeaf(table *Table, identifier string) Result {
	identifier = strings.Trim(strings.TrimSpace(identifier), `"'`)
	if identifier == "" {
		return Result{Score: 0, Tier: pkgmgr.TierUnknown, Errors: []string{"no license"}}
	}
	tier, ok := table.lookup(identifier)
	if !ok {
		return Result{
			Score:    50,
			Tier:     pkgmgr.TierUnknown,
			Warnings: []string{fmt.Sprintf("license %q is not in the supported license table", identifier)},
		}
	}
	return Result{Score: pkgmgr.ScoreForTier(tier), Tier: tier}
}

// combineOR picks the best (highest-scoring) leaf. An unrecognized leaf
// never blocks an expression that has at least one recognized alternative.
func combineOR(table *Table, leaves []string) Result {
	var best Result
	haveBest := false
	var warnings []string
	for _, leaf := range leaves {
		r := evalExpr(table, leaf)
		warnings = append(warnings, r.Warnings...)
		if !haveBest || r.Score > best.Score {
			best = r
			haveBest = true
		}
	}
	if !haveBest {
		return Result{Score: 0, Tier: pkgmgr.TierUnknown, Errors: []string{"empty OR expression"}}
	}
	best.Warnings = warnings
	return best
}

// combineAND picks the worst (lowest-scoring) leaf. Any unrecognized leaf
// forces the whole expression to score 0 (fails closed).
func combineAND(table *Table, leaves []string) Result {
	var worst Result
	haveWorst := false
	var errs, warnings []string
	anyUnknown := false
	for _, leaf := range leaves {
		r := evalExpr(table, leaf)
		warnings = append(warnings, r.Warnings...)
		errs = append(errs, r.Errors...)
		if r.Tier == pkgmgr.TierUnknown {
			anyUnknown = true
		}
		if !haveWorst || r.Score < worst.Score {
			worst = r
			haveWorst = true
		}
	}
	if !haveWorst {
		return Result{Score: 0, Tier: pkgmgr.TierUnknown, Errors: []string{"empty AND expression"}}
	}
	if anyUnknown {
		errs = append(errs, "AND expression contains an unrecognized license")
		return Result{Score: 0, Tier: pkgmgr.TierUnknown, Errors: errs, Warnings: warnings}
	}
	worst.Warnings = warnings
	worst.Errors = errs
	return worst
}

// splitTopLevel splits expr on the given word (case-insensitive, surrounded
// by spaces) or symbol operator, ignoring occurrences inside parentheses. It
// reports ok=false if the operator never appears at depth 0.
func splitTopLevel(expr string, word, symbol string) ([]string, bool) {
	depth := 0
	var parts []string
	start := 0
	upper := strings.ToUpper(expr)
	wordPadded := " " + word + " "
	found := false

	i := 0
	for i < len(expr) {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 {
			if strings.HasPrefix(upper[i:], wordPadded) {
				parts = append(parts, expr[start:i])
				i += len(wordPadded)
				start = i
				found = true
				continue
			}
			if expr[i] == symbol[0] {
				parts = append(parts, expr[start:i])
				i++
				start = i
				found = true
				continue
			}
		}
		i++
	}
	if !found {
		return nil, false
	}
	parts = append(parts, expr[start:])
	for idx, p := range parts {
		parts[idx] = strings.TrimSpace(p)
	}
	return parts, true
}

func stripWrappingParens(expr string) string {
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		depth := 0
		wraps := true
		for i, c := range expr {
			switch c {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 && i != len(expr)-1 {
					wraps = false
				}
			}
		}
		if !wraps {
			return expr
		}
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}
