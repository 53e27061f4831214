// Package difficulty tags problem text with the tier that drives verification.
package difficulty

import (
	"regexp"
	"strings"
)

type Level string

const (
	Simple   Level = "simple"
	Moderate Level = "moderate"
	Complex  Level = "complex"
)

func (l Level) rank() int {
	switch l {
	case Complex:
		return 2
	case Moderate:
		return 1
	}
	return 0
}

func (l Level) Valid() bool { return l == Simple || l == Moderate || l == Complex }

// Rule is one step of the cascade: the first rule whose pattern matches decides the tier.
type Rule struct {
	Level  Level
	Signal string
	Match  func(string) bool
}

func pattern(expr string) func(string) bool {
	re := regexp.MustCompile(expr)
	return re.MatchString
}

// DefaultRules lists complex signals before moderate ones; a text carrying both is complex.
var DefaultRules = []Rule{
	{Complex, "solve_instruction", pattern(`(?i)\bsolve\b|\bfind\s+(the\s+value\s+of\s+)?[xyzn]\b|\bsimplify\b|\bfactor(ise|ize)?\b`)},
	{Complex, "free_variable", pattern(`(?i)\d[xyzn]\b|\b[xyz]\s*[\^²³]|[-+*/=(]\s*[xyz]\b|\b[xyz]\s*[-+*/=)]`)},
	{Complex, "equation", pattern(`[a-zA-Z]\s*=\s*[^\s?_]|=\s*-?\d*[a-zA-Z]\b`)},
	{Complex, "root", pattern(`(?i)√|\\sqrt|\bsqrt\b|\bsquare\s+root\b|\bcube\s+root\b`)},
	{Complex, "exponent", pattern(`\^\s*\(?\s*-?(?:[2-9]|\d{2,})|[²³⁴⁵⁶⁷⁸⁹]|\*\*\s*(?:[2-9]|\d{2,})|(?i:\bsquared\b|\bcubed\b)`)},
	{Complex, "inequality", pattern(`[<>≤≥≠]|\\le[q]?\b|\\ge[q]?\b|\\neq\b`)},
	{Complex, "trig_log", pattern(`(?i)\b(sin|cos|tan|cot|sec|csc|arcsin|arccos|arctan|log|ln)\b`)},

	{Moderate, "fraction", pattern(`\d+\s*/\s*\d+|\\frac|[½⅓⅔¼¾⅕⅛]`)},
	{Moderate, "decimal_arithmetic", pattern(`\d+\.\d+\s*[-+*/×÷·]|[-+*/×÷·]\s*\d+\.\d+`)},
	{Moderate, "percentage", pattern(`(?i)\d+(\.\d+)?\s*%|\bpercent\b`)},
	{Moderate, "operator_chain", pattern(`\d+\s*[-+*/×÷·]\s*\(?\s*\d+\s*\)?\s*[-+*/×÷·]\s*\(?\s*\d+`)},
	{Moderate, "negative_arithmetic", pattern(`(?:^|[-+*/×÷·(=]\s*)[-−]\s*\d`)},
}

// Classifier is an immutable ordered rule list.
type Classifier struct {
	rules []Rule
}

func New(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the tier and the name of the matching signal ("" for simple).
func (c *Classifier) Classify(problemText string) (Level, string) {
	text := strings.TrimSpace(problemText)
	for _, r := range c.rules {
		if r.Match(text) {
			return r.Level, r.Signal
		}
	}
	return Simple, ""
}

func (c *Classifier) Level(problemText string) Level {
	l, _ := c.Classify(problemText)
	return l
}

// MaxDifficulty reduces a worksheet to its most demanding tier.
func (c *Classifier) MaxDifficulty(texts []string) Level {
	maxLevel := Simple
	for _, t := range texts {
		if l := c.Level(t); l.rank() > maxLevel.rank() {
			maxLevel = l
			if maxLevel == Complex {
				break
			}
		}
	}
	return maxLevel
}

var defaultClassifier = New(nil)

// Classify uses DefaultRules.
func Classify(problemText string) Level { return defaultClassifier.Level(problemText) }

func MaxDifficulty(texts []string) Level { return defaultClassifier.MaxDifficulty(texts) }
