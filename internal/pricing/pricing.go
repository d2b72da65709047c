// Package pricing resolves the credit cost of a tool call. It is a pure,
// side-effect-free collaborator: the Gate calls it once per admission
// decision and never mutates anything here.
package pricing

import "encoding/json"

// DefaultPrice is charged for any tool with no explicit entry in the table.
const DefaultPrice int64 = 5

// Rule is one entry in a pricing table: a flat per-call price, optionally
// scaled by a field in the call arguments (e.g. "pages", "tokens").
type Rule struct {
	BasePrice   int64
	PerUnit     int64
	UnitField   string // json field name in arguments to multiply PerUnit by
	MinPrice    int64
	MaxPrice    int64 // 0 = unbounded
}

// Resolver looks up the price of a tool call from a static table, falling
// back to DefaultPrice for unlisted tools.
type Resolver struct {
	rules map[string]Rule
}

// NewResolver builds a Resolver from a tool-name to Rule table.
func NewResolver(rules map[string]Rule) *Resolver {
	if rules == nil {
		rules = make(map[string]Rule)
	}
	return &Resolver{rules: rules}
}

// Resolve returns the credit cost of calling tool with the given raw JSON
// arguments. The result is always non-negative.
func (r *Resolver) Resolve(tool string, arguments json.RawMessage) int64 {
	rule, ok := r.rules[tool]
	if !ok {
		return DefaultPrice
	}

	price := rule.BasePrice
	if rule.UnitField != "" && rule.PerUnit != 0 && len(arguments) > 0 {
		var fields map[string]json.Number
		if err := json.Unmarshal(arguments, &fields); err == nil {
			if n, ok := fields[rule.UnitField]; ok {
				if units, err := n.Int64(); err == nil && units > 0 {
					price += units * rule.PerUnit
				}
			}
		}
	}

	if rule.MinPrice > 0 && price < rule.MinPrice {
		price = rule.MinPrice
	}
	if rule.MaxPrice > 0 && price > rule.MaxPrice {
		price = rule.MaxPrice
	}
	if price < 0 {
		price = 0
	}
	return price
}
