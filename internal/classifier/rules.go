package classifier

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/normalize"
	"github.com/travelroboto/trip-ingest/internal/policy"
)

// applyRules runs the deterministic stage. ok is false when no rule decides.
func applyRules(in Input) (Result, bool) {
	cur, next := in.Current.Value, in.NewValue

	if normalize.Text(cur) == normalize.Text(next) {
		return identical(cur, "normalized_equal"), true
	}

	switch in.Policy.Kind {
	case policy.KindCode:
		if normalize.Code(cur) == normalize.Code(next) {
			return identical(cur, "code_equal"), true
		}
	case policy.KindDate:
		a, okA := model.ParseDate(cur)
		b, okB := model.ParseDate(next)
		if okA && okB && a.Format(time.DateOnly) == b.Format(time.DateOnly) {
			return identical(cur, "date_equal"), true
		}
	case policy.KindDateTime:
		a, okA := model.ParseDate(cur)
		b, okB := model.ParseDate(next)
		if okA && okB && a.Equal(b) {
			return identical(cur, "instant_equal"), true
		}
	case policy.KindMoney:
		a, curA, okA := parseMoney(cur)
		b, curB, okB := parseMoney(next)
		if okA && okB && math.Abs(a-b) < 0.005 && (curA == "" || curB == "" || curA == curB) {
			return identical(cur, "amount_equal"), true
		}
	case policy.KindList:
		if res, ok := listRule(cur, next); ok {
			return res, true
		}
	case policy.KindName:
		// One name restating the other with more or less detail. Free text
		// is left to the judge: an added word can negate the old value.
		if normalize.TokenSubset(cur, next) {
			return Result{Decision: model.DecisionComplementary, Rule: "name_refinement", Value: next}, true
		}
		if normalize.TokenSubset(next, cur) {
			return identical(cur, "name_restatement"), true
		}
	}

	if in.Policy.Anchor != "" && in.AnchorNew != "" && in.AnchorCurrent != "" &&
		normalize.Text(in.AnchorNew) == normalize.Text(in.AnchorCurrent) {
		return Result{Decision: model.DecisionComplementary, Rule: "anchor_unchanged", Value: next}, true
	}
	return Result{}, false
}

func identical(current, rule string) Result {
	return Result{Decision: model.DecisionIdentical, Rule: rule, Value: current}
}

var listSep = regexp.MustCompile(`\s*(?:,|;|\band\b|&)\s*`)

func listItems(s string) []string {
	items := lo.Map(listSep.Split(s, -1), func(p string, _ int) string {
		return strings.TrimSpace(p)
	})
	return lo.Filter(items, func(p string, _ int) bool { return normalize.Text(p) != "" })
}

// listRule treats lists as sets: the same members in any order are identical,
// and a strict superset only adds members.
func listRule(cur, next string) (Result, bool) {
	a, b := listItems(cur), listItems(next)
	key := func(p string, _ int) string { return normalize.Text(p) }
	ka, kb := lo.Uniq(lo.Map(a, key)), lo.Uniq(lo.Map(b, key))

	missing, added := lo.Difference(ka, kb)
	switch {
	case len(missing) == 0 && len(added) == 0:
		return identical(cur, "list_equal"), true
	case len(missing) == 0:
		merged := lo.UniqBy(append(append([]string{}, a...), b...), func(p string) string {
			return normalize.Text(p)
		})
		return Result{Decision: model.DecisionComplementary, Rule: "list_superset", Value: strings.Join(merged, ", ")}, true
	default:
		return Result{}, false
	}
}

var (
	amountPattern   = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	currencyPattern = regexp.MustCompile(`(?i)\b([a-z]{3})\b|([$€£¥])`)
	currencySymbols = map[string]string{"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY"}
)

// parseMoney reads "EUR 1,250.00", "€1250" or "1250 usd".
func parseMoney(s string) (amount float64, currency string, ok bool) {
	m := amountPattern.FindString(s)
	if m == "" {
		return 0, "", false
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, "", false
	}
	if c := currencyPattern.FindStringSubmatch(s); c != nil {
		if c[1] != "" {
			currency = strings.ToUpper(c[1])
		} else {
			currency = currencySymbols[c[2]]
		}
	}
	return amount, currency, true
}
