package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chat-sla-tracker/pkg/models"
)

func TestClassifyByKeywords(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		category models.Category
	}{
		{"explicit ask", "Please send the invoice for March", models.CategoryRequest},
		{"question mark", "Is the report ready?", models.CategoryRequest},
		{"russian request", "Прошу подготовьте акт сверки", models.CategoryRequest},
		{"thanks only", "Thanks!", models.CategoryGratitude},
		{"ok only", "ok", models.CategoryGratitude},
		{"russian thanks", "Спасибо большое", models.CategoryGratitude},
		{"spam promo", "Huge PROMO: free money for everyone", models.CategorySpam},
		{"question word", "When will this be done", models.CategoryClarification},
		{"unmatched", "zzz qqq", models.CategoryClarification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classifyByKeywords(tt.text)
			assert.Equal(t, tt.category, res.Category)
			assert.Equal(t, models.SourceKeyword, res.Source)
		})
	}
}

func TestClassifyByKeywords_UnmatchedIsLowConfidence(t *testing.T) {
	res := classifyByKeywords("zzz qqq")
	assert.Less(t, res.Confidence, 0.5)
}

func TestExponentialBackoff(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 30*time.Second)

	assert.Equal(t, time.Second, policy(0))
	assert.Equal(t, 2*time.Second, policy(1))
	assert.Equal(t, 4*time.Second, policy(2))
	assert.Equal(t, 8*time.Second, policy(3))
	assert.Equal(t, 30*time.Second, policy(10)) // capped
}
