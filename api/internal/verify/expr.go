package verify

import (
	"regexp"
	"strings"
)

var (
	reFrac         = regexp.MustCompile(`\\[dt]?frac\s*\{([^{}]*)\}\s*\{([^{}]*)\}`)
	reSqrt         = regexp.MustCompile(`\\sqrt\s*\{([^{}]*)\}`)
	reLatexCmd     = regexp.MustCompile(`\\(left|right|displaystyle|,|;|!|quad|qquad)`)
	reColonDivide  = regexp.MustCompile(`(\d)\s*:\s*(\d)`)
	reNumbering    = regexp.MustCompile(`(?i)^\s*(?:(?:problem|question|q|#)\s*\d+\s*[.):]?|\d+\s*[.)])\s+`)
	reTrailingEq   = regexp.MustCompile(`\s*=\s*(?:\?|_+|□|\.\.\.|…)?\s*$`)
	reSpacesInExpr = regexp.MustCompile(`\s+`)
)

var glyphs = strings.NewReplacer(
	`\times`, "*", `\cdot`, "*", `\div`, "/", `\pm`, "±",
	`\leq`, "<=", `\geq`, ">=", `\neq`, "!=", `\le`, "<=", `\ge`, ">=", `\ne`, "!=",
	"×", "*", "·", "*", "∙", "*", "÷", "/", "−", "-", "–", "-", "—", "-",
	"$", "", "²", "^2", "³", "^3", "√", "sqrt",
)

// NormalizeExpression turns a problem as read from the page into plain arithmetic a solver accepts:
// LaTeX fractions and operators become ASCII, numbering and a trailing "=" (or "= ?") are dropped.
func NormalizeExpression(text string) string {
	s := strings.TrimSpace(text)
	s = reNumbering.ReplaceAllString(s, "")
	for i := 0; i < 8 && reFrac.MatchString(s); i++ {
		s = reFrac.ReplaceAllString(s, "($1)/($2)")
	}
	s = reSqrt.ReplaceAllString(s, "sqrt($1)")
	s = reLatexCmd.ReplaceAllString(s, "")
	s = glyphs.Replace(s)
	s = strings.NewReplacer("{", "(", "}", ")").Replace(s)
	for reColonDivide.MatchString(s) {
		s = reColonDivide.ReplaceAllString(s, "$1/$2")
	}
	s = reSpacesInExpr.ReplaceAllString(strings.TrimSpace(s), " ")
	s = reTrailingEq.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
