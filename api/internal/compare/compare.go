// Package compare decides whether two written answers denote the same value.
package compare

import (
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

const DefaultTolerance = 1e-4

// relTolerance is applied to magnitudes above 1 once the absolute check fails (0.01%).
const relTolerance = 1e-4

type Method string

const (
	MethodExact      Method = "exact"
	MethodNumeric    Method = "numeric"
	MethodFraction   Method = "fraction"
	MethodPercentage Method = "percentage"
	MethodNone       Method = "none"
)

type Result struct {
	Matched     bool   `json:"matched"`
	Method      Method `json:"method"`
	NormalizedA string `json:"normalized_a,omitempty"`
	NormalizedB string `json:"normalized_b,omitempty"`
}

var (
	reSpaces         = regexp.MustCompile(`\s+`)
	reLeadingVar     = regexp.MustCompile(`^[a-z]\s*=\s*`)
	reThousands      = regexp.MustCompile(`(\d),(\d{3})`)
	reTrailingZero   = regexp.MustCompile(`^(-?\d+)\.0+(%?)$`)
	reNumberWithUnit = regexp.MustCompile(`^(-?[\d./]+(?:\s+\d+/\d+)?\s*%?)\s*(?:[a-zа-я°]{2,}[a-zа-я°²³./]*|[a-wа-я°][²³]?\.?)$`)
	reMixed          = regexp.MustCompile(`^(-?)(\d+)\s+(\d+)\s*/\s*(\d+)$`)
	reFraction       = regexp.MustCompile(`^(-?\d+)\s*/\s*(-?\d+)$`)
)

var symbols = strings.NewReplacer(
	"$", "", "€", "", "£", "", "¥", "", "₽", "", "₹", "",
	"−", "-", "–", "-",
)

// Normalize lower-cases the answer and strips prefixes, separators, units and currency.
// Unicode minus and en dash become an ASCII hyphen.
// Internal whitespace is collapsed to one space so mixed numbers ("1 1/2") stay parseable.
func Normalize(s string) string {
	s = symbols.Replace(strings.ToLower(strings.TrimSpace(s)))
	s = strings.TrimLeft(s, "=: ")
	s = reLeadingVar.ReplaceAllString(s, "")
	s = reSpaces.ReplaceAllString(strings.TrimSpace(s), " ")
	for reThousands.MatchString(s) {
		s = reThousands.ReplaceAllString(s, "$1$2")
	}
	if m := reNumberWithUnit.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	s = strings.TrimSuffix(s, ".")
	if m := reTrailingZero.FindStringSubmatch(s); m != nil {
		s = m[1] + m[2]
	}
	return s
}

func compact(s string) string { return strings.ReplaceAll(s, " ", "") }

// Compare runs the matching cascade: exact, numeric, fraction, fraction-vs-decimal, percentage.
// The first step that matches wins. A tolerance <= 0 selects DefaultTolerance.
func Compare(a, b string, tolerance float64) Result {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	na, nb := Normalize(a), Normalize(b)
	res := Result{NormalizedA: na, NormalizedB: nb}

	if na != "" && compact(na) == compact(nb) {
		res.Matched, res.Method = true, MethodExact
		return res
	}

	fa, okA := parseNumber(na)
	fb, okB := parseNumber(nb)
	if okA && okB && numbersEqual(fa, fb, tolerance) {
		res.Matched, res.Method = true, MethodNumeric
		return res
	}

	ra, fracA := parseFraction(na)
	rb, fracB := parseFraction(nb)
	if fracA && fracB && crossEqual(ra, rb) {
		res.Matched, res.Method = true, MethodFraction
		return res
	}

	if fracA && okB && numbersEqual(ratFloat(ra), fb, tolerance) ||
		fracB && okA && numbersEqual(ratFloat(rb), fa, tolerance) {
		res.Matched, res.Method = true, MethodFraction
		return res
	}

	if percentEqual(na, nb, tolerance) {
		res.Matched, res.Method = true, MethodPercentage
		return res
	}

	res.Method = MethodNone
	return res
}

// Equal is Compare with the default tolerance, reporting only the verdict.
func Equal(a, b string) bool { return Compare(a, b, DefaultTolerance).Matched }

// AnyEqual reports whether a matches any of the candidates.
func AnyEqual(a string, candidates ...string) (Result, bool) {
	var last Result
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		last = Compare(a, c, DefaultTolerance)
		if last.Matched {
			return last, true
		}
	}
	return last, false
}

func parseNumber(s string) (float64, bool) {
	s = compact(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func numbersEqual(a, b, tol float64) bool {
	diff := math.Abs(a - b)
	if diff <= tol {
		return true
	}
	mag := math.Max(math.Abs(a), math.Abs(b))
	return mag > 1 && diff/mag <= relTolerance
}

// fraction keeps numerator and denominator as written; no reduction is needed for cross-multiplication.
type fraction struct {
	num, den *big.Int
}

func parseFraction(s string) (fraction, bool) {
	if m := reMixed.FindStringSubmatch(s); m != nil {
		whole, _ := new(big.Int).SetString(m[2], 10)
		num, _ := new(big.Int).SetString(m[3], 10)
		den, _ := new(big.Int).SetString(m[4], 10)
		if den.Sign() == 0 {
			return fraction{}, false
		}
		// whole + num/den = (whole*den + num)/den
		n := new(big.Int).Add(new(big.Int).Mul(whole, den), num)
		if m[1] == "-" {
			n.Neg(n)
		}
		return fraction{num: n, den: den}, true
	}
	if m := reFraction.FindStringSubmatch(compact(s)); m != nil {
		num, _ := new(big.Int).SetString(m[1], 10)
		den, _ := new(big.Int).SetString(m[2], 10)
		if den.Sign() == 0 {
			return fraction{}, false
		}
		return fraction{num: num, den: den}, true
	}
	return fraction{}, false
}

// crossEqual: a/b == c/d iff a*d == c*b.
func crossEqual(x, y fraction) bool {
	left := new(big.Int).Mul(x.num, y.den)
	right := new(big.Int).Mul(y.num, x.den)
	return left.Cmp(right) == 0
}

func ratFloat(f fraction) float64 {
	v, _ := new(big.Rat).SetFrac(f.num, f.den).Float64()
	return v
}

func parsePercent(s string) (float64, bool) {
	s = compact(s)
	if !strings.HasSuffix(s, "%") {
		return 0, false
	}
	return parseNumber(strings.TrimSuffix(s, "%"))
}

// percentEqual accepts 50% == 50%, 50% == 0.5 and 50% == 50.
func percentEqual(a, b string, tol float64) bool {
	pa, okA := parsePercent(a)
	pb, okB := parsePercent(b)
	switch {
	case okA && okB:
		return numbersEqual(pa, pb, tol)
	case okA:
		return percentAgainst(pa, b, tol)
	case okB:
		return percentAgainst(pb, a, tol)
	}
	return false
}

func percentAgainst(p float64, other string, tol float64) bool {
	v, ok := parseNumber(other)
	if !ok {
		f, isFrac := parseFraction(other)
		if !isFrac {
			return false
		}
		v = ratFloat(f)
	}
	return numbersEqual(p/100, v, tol) || numbersEqual(p, v, tol)
}
