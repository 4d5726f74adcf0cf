package classify

import (
	"regexp"
	"strings"

	"chat-sla-tracker/pkg/models"
)

// keywordRule is one pattern in the deterministic fallback classifier.
// Rules are evaluated in priority order; the first match wins.
type keywordRule struct {
	category   models.Category
	confidence float64
	patterns   []*regexp.Regexp
}

var keywordRules = []keywordRule{
	{
		category:   models.CategorySpam,
		confidence: 0.85,
		patterns: compile(
			`(?i)\bunsubscribe\b`,
			`(?i)\bpromo(tion)?\b`,
			`(?i)\bfree money\b`,
			`(?i)crypto\s*(signal|invest)`,
			`(?i)\bcasino\b`,
		),
	},
	{
		category:   models.CategoryGratitude,
		confidence: 0.8,
		patterns: compile(
			`(?i)^\s*(thank(s| you)|thx|ty)\b[\s!.]*$`,
			`(?i)^\s*(got it|great|perfect|awesome)[\s!.]*$`,
			`(?i)^\s*(спасибо|благодарю)`,
			`(?i)^\s*(ок|окей|ok|okay)[\s!.]*$`,
		),
	},
	{
		category:   models.CategoryRequest,
		confidence: 0.75,
		patterns: compile(
			`(?i)\b(please|could you|can you|need|help)\b`,
			`(?i)\b(invoice|payment|report|tax|vat|payroll|reconcil)`,
			`(?i)\b(send|prepare|check|confirm|issue)\b.*\b(document|statement|act)`,
			`(?i)(просьба|прошу|нужно|надо|подготовьте|отправьте|счет|счёт|акт|отчет|отчёт|налог)`,
			`\?\s*$`,
		),
	},
	{
		category:   models.CategoryClarification,
		confidence: 0.6,
		patterns: compile(
			`(?i)^\s*(what|how|when|why|which|where)\b`,
			`(?i)^\s*(что|как|когда|почему|какой|где)\s`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// classifyByKeywords runs the pattern rules over the message text. It always
// succeeds; text matching nothing is treated as a low-confidence
// clarification candidate for the safety net to deal with.
func classifyByKeywords(text string) Result {
	trimmed := strings.TrimSpace(text)
	for _, rule := range keywordRules {
		for _, p := range rule.patterns {
			if p.MatchString(trimmed) {
				return Result{
					Category:   rule.category,
					Confidence: rule.confidence,
					Source:     models.SourceKeyword,
					Reasoning:  "matched keyword rule for " + string(rule.category),
				}
			}
		}
	}
	return Result{
		Category:   models.CategoryClarification,
		Confidence: 0.3,
		Source:     models.SourceKeyword,
		Reasoning:  "no keyword rule matched",
	}
}
