// Package contextbuilder 实现检索结果的上下文组装
package contextbuilder

import (
	"fmt"
	"strings"

	"ai-knowledge-assistant/internal/application/retrieval"
	"ai-knowledge-assistant/pkg/metrics"
)

// DefaultTokenBudget 上下文默认 token 预算
const DefaultTokenBudget = 2000

// Result 组装结果
// Included 只包含实际写入上下文的引用，调用方据此生成引用标注
type Result struct {
	Context    string
	Included   []retrieval.CitationRecord
	TokensUsed int
}

// Assembler 上下文组装器
// 按相关性顺序打包引用，引用要么完整纳入要么整体丢弃，绝不截断
type Assembler struct {
	budget int
}

// NewAssembler 创建上下文组装器
func NewAssembler(budget int) *Assembler {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Assembler{budget: budget}
}

// Budget 返回 token 预算
func (a *Assembler) Budget() int {
	return a.budget
}

// Assemble 将引用打包进 token 预算
// 超出预算的引用被整体跳过，后续更小的引用仍可纳入
func (a *Assembler) Assemble(citations []retrieval.CitationRecord) *Result {
	result := &Result{
		Included: make([]retrieval.CitationRecord, 0, len(citations)),
	}

	remaining := a.budget
	var sb strings.Builder
	for _, c := range citations {
		if c.TokenCount > remaining {
			continue
		}
		remaining -= c.TokenCount
		result.Included = append(result.Included, c)

		// 每条引用标注来源文档名，便于回答中的 [n] 标注溯源
		if title := strings.TrimSpace(c.DocumentTitle); title != "" {
			fmt.Fprintf(&sb, "[%d] [Source: %s]\n%s\n\n", len(result.Included), title, strings.TrimSpace(c.Content))
		} else {
			fmt.Fprintf(&sb, "[%d] %s\n\n", len(result.Included), strings.TrimSpace(c.Content))
		}
	}

	result.Context = strings.TrimSuffix(sb.String(), "\n\n")
	result.TokensUsed = a.budget - remaining
	metrics.ContextTokensPacked.Observe(float64(result.TokensUsed))
	return result
}
