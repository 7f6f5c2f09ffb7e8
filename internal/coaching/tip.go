// Package coaching turns finalized transcript chunks into coaching tips and
// keeps the bounded newest-first tip feed.
package coaching

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryInfo      Category = "INFO"
	CategoryRisk      Category = "RISK"
	CategoryTrust     Category = "TRUST"
	CategoryObjection Category = "OBJECTION"
	CategoryClosing   Category = "CLOSING"
)

// Categories lists every category a generator may return.
var Categories = []Category{CategoryInfo, CategoryRisk, CategoryTrust, CategoryObjection, CategoryClosing}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
)

// OpeningTipID is reserved for the tip seeded at session start.
const OpeningTipID = "init"

// DefaultOpeningLine is the seeded suggestion shown when listening starts.
const DefaultOpeningLine = `建议开场白: "您好，我是中国人寿财险大宗业务高级主管..."`

// Tip is one advisory message. Values are never mutated after creation.
type Tip struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Content  string   `json:"content"`
	Priority Priority `json:"priority"`
}

// NewTip builds a tip with a fresh id and normalized enums.
func NewTip(category Category, priority Priority, content string) Tip {
	return Tip{
		ID:       uuid.NewString(),
		Category: ParseCategory(string(category)),
		Content:  strings.TrimSpace(content),
		Priority: ParsePriority(string(priority)),
	}
}

// OpeningTip returns the seeded high-priority tip for a new session.
func OpeningTip(line string) Tip {
	if strings.TrimSpace(line) == "" {
		line = DefaultOpeningLine
	}
	return Tip{
		ID:       OpeningTipID,
		Category: CategoryInfo,
		Content:  line,
		Priority: PriorityHigh,
	}
}

// ParseCategory maps free-form input onto a known category, defaulting to INFO.
func ParseCategory(raw string) Category {
	candidate := Category(strings.ToUpper(strings.TrimSpace(raw)))
	for _, c := range Categories {
		if c == candidate {
			return c
		}
	}
	return CategoryInfo
}

// ParsePriority maps free-form input onto a priority, defaulting to NORMAL.
func ParsePriority(raw string) Priority {
	if Priority(strings.ToUpper(strings.TrimSpace(raw))) == PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}

// Generator produces at most one tip for a transcript context. A nil tip
// with a nil error means the service had nothing to suggest.
type Generator interface {
	GenerateTip(ctx context.Context, transcript string) (*Tip, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(context.Context, string) (*Tip, error)

func (f GeneratorFunc) GenerateTip(ctx context.Context, transcript string) (*Tip, error) {
	return f(ctx, transcript)
}
