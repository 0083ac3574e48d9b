// Package chunker 实现文本分块
package chunker

import (
	"strings"
)

// 默认分块参数
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 100
)

// Piece 分块结果
type Piece struct {
	Seq        int    // 分块序号，从 0 开始
	Content    string // 分块文本
	TokenCount int    // 估算 token 数
}

// Chunker 文本分块器
// 按字符（rune）计数滑动切分，优先在段落、句子边界断开
type Chunker struct {
	size    int // 每块最大字符数
	overlap int // 相邻块重叠字符数
}

// New 创建分块器
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split 将文本切分为有序分块
// 空输入返回空切片；相同输入产生相同结果
func (c *Chunker) Split(text string) ([]Piece, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []Piece{}, nil
	}

	runes := []rune(trimmed)
	pieces := make([]Piece, 0, len(runes)/c.size+1)

	pos := 0
	for pos < len(runes) {
		end := pos + c.size
		if end >= len(runes) {
			end = len(runes)
		} else if b := c.findBoundary(runes, pos, end); b > pos {
			// 在窗口尾部回找自然边界，避免从句中切断
			end = b
		}

		content := strings.TrimSpace(string(runes[pos:end]))
		if content != "" {
			pieces = append(pieces, Piece{
				Seq:        len(pieces),
				Content:    content,
				TokenCount: EstimateTokens(content),
			})
		}

		if end >= len(runes) {
			break
		}
		// 相邻分块共享 overlap 个尾部字符，与断点方式无关
		next := end - c.overlap
		if next <= pos {
			next = end
		}
		pos = next
	}

	return pieces, nil
}

// findBoundary 在 [from, to) 窗口尾部 20% 内寻找断点
// 优先级: 段落 > 换行 > 句末标点
func (c *Chunker) findBoundary(runes []rune, from, to int) int {
	limit := to - c.size/5
	if limit < from+1 {
		limit = from + 1
	}

	// 段落边界（连续换行）
	for i := to - 1; i >= limit; i-- {
		if runes[i] == '\n' && i > from && runes[i-1] == '\n' {
			return i + 1
		}
	}
	// 单个换行
	for i := to - 1; i >= limit; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	// 句末标点
	for i := to - 1; i >= limit; i-- {
		if isSentenceEnd(runes[i]) {
			return i + 1
		}
	}
	return 0
}

// isSentenceEnd 判断是否为句末标点
func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?', '；', ';':
		return true
	}
	return false
}

// EstimateTokens 估算 token 数
// 英文按空白分词计数，CJK 字符单独计数
func EstimateTokens(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		switch {
		case isCJK(r):
			if inWord {
				count++
				inWord = false
			}
			count++
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				count++
				inWord = false
			}
		default:
			inWord = true
		}
	}
	if inWord {
		count++
	}
	return count
}

// isCJK 判断是否为 CJK 字符
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF)
}
