package contextwindow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/llm"
	ometrics "github.com/finassist/ragagent/internal/metrics"
	"github.com/finassist/ragagent/internal/retrieval"
)

const (
	// charsPerToken is a fixed heuristic ratio for Cyrillic/mixed text.
	// An exact tokenizer is deliberately not used; the budget math only
	// needs a stable estimate.
	charsPerToken = 4.0

	// perMessageOverhead accounts for role/content framing per message.
	perMessageOverhead = 4

	// perItemOverhead accounts for evidence block formatting per item.
	perItemOverhead = 20

	// maxItemTokens caps a single evidence item before truncation.
	maxItemTokens = 500

	// minEvidenceItems is the floor below which budget pressure never
	// drops evidence, as long as that many were supplied.
	minEvidenceItems = 3
)

// Stats is the observational record produced by every context assembly.
type Stats struct {
	TotalBudget   int     `json:"total_budget"`
	BaseTokens    int     `json:"base_tokens"`
	ChunkBudget   int     `json:"chunk_budget"`
	HistoryBudget int     `json:"history_budget"`
	ChunksTokens  int     `json:"chunks_tokens"`
	HistoryTokens int     `json:"history_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	Utilization   float64 `json:"utilization"`
	ChunkCount    int     `json:"chunk_count"`
	HistoryCount  int     `json:"history_count"`
}

// Manager allocates a fixed token budget across system prompt, guidance,
// history and retrieved evidence.
type Manager struct {
	maxTokens      int
	reservedOutput int
	reservedSystem int
	available      int
	log            *zap.Logger
}

func NewManager(cfg config.ContextWindowConfig, logger *zap.Logger) *Manager {
	c := cfg
	if c.TokenBudget <= 0 {
		c.TokenBudget = 180000
	}
	if c.ReservedOutput <= 0 {
		c.ReservedOutput = 4000
	}
	if c.ReservedSystem <= 0 {
		c.ReservedSystem = 2000
	}
	available := c.TokenBudget - c.ReservedOutput - c.ReservedSystem
	if available < 0 {
		available = 0
	}
	return &Manager{
		maxTokens:      c.TokenBudget,
		reservedOutput: c.ReservedOutput,
		reservedSystem: c.ReservedSystem,
		available:      available,
		log:            logger,
	}
}

// EstimateTokens estimates token count via the character heuristic.
func (m *Manager) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(float64(len([]rune(text))) / charsPerToken)
}

// EstimateMessages estimates tokens across a message list, including the
// fixed per-message overhead.
func (m *Manager) EstimateMessages(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += m.EstimateTokens(msg.Content)
	}
	return total
}

// TruncateToBudget keeps the most recent messages that fit the budget.
// System-role messages are preserved outside the budget check.
func (m *Manager) TruncateToBudget(messages []llm.Message, budget int) []llm.Message {
	if len(messages) == 0 {
		return nil
	}

	var systemMsgs, otherMsgs []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			systemMsgs = append(systemMsgs, msg)
		} else {
			otherMsgs = append(otherMsgs, msg)
		}
	}

	available := budget - m.EstimateMessages(systemMsgs)
	if available <= 0 {
		m.log.Warn("history budget exhausted by system messages",
			zap.Int("budget", budget),
		)
		return systemMsgs
	}

	kept := make([]llm.Message, 0, len(otherMsgs))
	used := 0
	for i := len(otherMsgs) - 1; i >= 0; i-- {
		cost := m.EstimateTokens(otherMsgs[i].Content) + perMessageOverhead
		if used+cost > available {
			break
		}
		kept = append([]llm.Message{otherMsgs[i]}, kept...)
		used += cost
	}
	return append(systemMsgs, kept...)
}

// BuildOptimalContext assembles the final message list within the token
// budget: fixed cost first, then the remainder split between evidence and
// history by evidenceWeight. Evidence is dropped lowest-priority-last-first
// but never below minEvidenceItems; history keeps the most recent messages.
func (m *Manager) BuildOptimalContext(
	systemPrompt, guidance string,
	history []llm.Message,
	userQuery string,
	evidence []retrieval.Result,
	evidenceWeight float64,
) ([]llm.Message, Stats) {
	baseTokens := m.EstimateTokens(systemPrompt) +
		m.EstimateTokens(guidance) +
		m.EstimateTokens(userQuery) + perMessageOverhead

	remaining := m.available - baseTokens
	if remaining < 0 {
		remaining = 0
	}

	chunkBudget := int(float64(remaining) * evidenceWeight)
	historyBudget := int(float64(remaining) * (1.0 - evidenceWeight))

	stats := Stats{
		TotalBudget:   m.available,
		BaseTokens:    baseTokens,
		ChunkBudget:   chunkBudget,
		HistoryBudget: historyBudget,
	}

	kept := m.capItems(evidence)
	chunksTokens := m.evidenceCost(kept)
	for chunksTokens > chunkBudget && len(kept) > minEvidenceItems {
		dropped := kept[len(kept)-1]
		kept = kept[:len(kept)-1]
		chunksTokens = m.evidenceCost(kept)
		m.log.Debug("evidence dropped for budget",
			zap.String("fingerprint", dropped.Fingerprint),
			zap.Float64("score", dropped.Score),
		)
	}
	stats.ChunksTokens = chunksTokens
	stats.ChunkCount = len(kept)

	truncatedHistory := m.TruncateToBudget(history, historyBudget)
	stats.HistoryTokens = m.EstimateMessages(truncatedHistory)
	stats.HistoryCount = len(truncatedHistory)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleSystem, Content: guidance},
	}
	messages = append(messages, truncatedHistory...)

	userContent := userQuery
	if len(kept) > 0 {
		userContent = formatEvidenceBlock(kept) + "\n\n" + userQuery
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userContent})

	stats.TotalTokens = m.EstimateMessages(messages)
	if m.available > 0 {
		stats.Utilization = float64(stats.TotalTokens) / float64(m.available)
	}
	ometrics.ContextUtilization.Observe(stats.Utilization)

	m.log.Debug("context assembled",
		zap.Int("total_tokens", stats.TotalTokens),
		zap.Int("chunks", stats.ChunkCount),
		zap.Int("history_messages", stats.HistoryCount),
		zap.Float64("utilization", stats.Utilization),
	)
	return messages, stats
}

// capItems truncates over-long evidence items to the per-item cap.
func (m *Manager) capItems(evidence []retrieval.Result) []retrieval.Result {
	out := make([]retrieval.Result, 0, len(evidence))
	for _, item := range evidence {
		if m.EstimateTokens(item.Text) <= maxItemTokens {
			out = append(out, item)
			continue
		}
		targetChars := int(maxItemTokens * charsPerToken * 0.9)
		runes := []rune(item.Text)
		if targetChars > len(runes) {
			targetChars = len(runes)
		}
		truncated := item
		truncated.Text = string(runes[:targetChars]) + "..."
		out = append(out, truncated)
	}
	return out
}

func (m *Manager) evidenceCost(evidence []retrieval.Result) int {
	total := 0
	for _, item := range evidence {
		total += m.EstimateTokens(item.Text) + perItemOverhead
	}
	return total
}

func formatEvidenceBlock(evidence []retrieval.Result) string {
	var b strings.Builder
	b.WriteString("=== КОНТЕКСТ ИЗ ДОКУМЕНТОВ ===\n")
	for i, item := range evidence {
		title := ""
		if item.Payload != nil {
			if fn, ok := item.Payload["filename"].(string); ok {
				title = fn
			}
		}
		if title == "" {
			title = "Документ"
		}
		fmt.Fprintf(&b, "\n## Фрагмент %d [%s]\n%s\n", i+1, title, item.Text)
	}
	return b.String()
}
