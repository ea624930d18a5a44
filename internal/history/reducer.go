// ABOUTME: History reducer that bounds the message count handed to a completion call
// ABOUTME: Summarizes the oldest turns into one synthetic message and keeps the recent tail verbatim

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
)

// ErrReductionFailed marks a summarization attempt that could not produce a
// summary. It is logged, never returned to callers.
var ErrReductionFailed = errors.New("history reduction failed")

// Metadata keys set on the synthetic summary message.
const (
	MetaSummary         = "summary"
	MetaSummarizedCount = "summarized_count"
)

// Default budget values.
const (
	DefaultTargetCount    = 30
	DefaultThresholdCount = 50
)

const summaryInstruction = "You condense chat transcripts. Summarize the conversation below so it can replace " +
	"the original turns. Keep names, decisions, open questions and facts the assistant will need later. " +
	"Reply with the summary only."

// Budget bounds a reduced history. Reduction starts once the non-system
// message count exceeds TargetCount+ThresholdCount and produces TargetCount
// messages.
type Budget struct {
	TargetCount    int
	ThresholdCount int
}

// DefaultBudget returns the default budget.
func DefaultBudget() Budget {
	return Budget{TargetCount: DefaultTargetCount, ThresholdCount: DefaultThresholdCount}
}

// IsZero reports whether no field is set.
func (b Budget) IsZero() bool {
	return b.TargetCount == 0 && b.ThresholdCount == 0
}

// Validate rejects budgets that cannot hold a summary and one tail message.
func (b Budget) Validate() error {
	if b.TargetCount < 2 {
		return fmt.Errorf("target count must be at least 2, got %d", b.TargetCount)
	}
	if b.ThresholdCount < 0 {
		return fmt.Errorf("threshold count must not be negative, got %d", b.ThresholdCount)
	}
	return nil
}

// Exceeded reports whether n non-system messages trigger reduction.
func (b Budget) Exceeded(n int) bool {
	return n > b.TargetCount+b.ThresholdCount
}

// Reducer summarizes long histories through a completion client.
type Reducer struct {
	client    completion.Client
	maxTokens int64
	logger    *slog.Logger
}

// New creates a Reducer. A nil client disables summarization, so every
// history is returned unchanged.
func New(client completion.Client, summaryMaxTokens int64, logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{
		client:    client,
		maxTokens: summaryMaxTokens,
		logger:    logger.With("component", "history"),
	}
}

// Reduce returns msgs unchanged when within budget. Otherwise it returns the
// optional system message, one summary of the older turns, and the most
// recent turns verbatim. Any summarization failure returns msgs unchanged.
func (r *Reducer) Reduce(ctx context.Context, msgs []chat.Message, budget Budget) []chat.Message {
	var system []chat.Message
	rest := msgs
	if chat.HasSystem(msgs) {
		system, rest = msgs[:1], msgs[1:]
	}
	if !budget.Exceeded(len(rest)) {
		return msgs
	}
	if r.client == nil {
		r.logger.Debug("no completion client, skipping reduction", "messages", len(msgs))
		return msgs
	}

	tailLen := budget.TargetCount - 1 - len(system)
	if tailLen < 1 {
		r.logger.Debug("budget too small to hold a summary and a tail, skipping reduction",
			"target", budget.TargetCount, "messages", len(msgs))
		return msgs
	}
	prefix, tail := rest[:len(rest)-tailLen], rest[len(rest)-tailLen:]

	summary, err := r.summarize(ctx, prefix)
	if err != nil {
		r.logger.Warn("returning full history",
			"error", fmt.Errorf("%w: %v", ErrReductionFailed, err),
			"messages", len(msgs))
		return msgs
	}

	out := make([]chat.Message, 0, len(system)+1+len(tail))
	out = append(out, chat.CloneMessages(system)...)
	out = append(out, summary)
	out = append(out, chat.CloneMessages(tail)...)

	r.logger.Debug("reduced history", "from", len(msgs), "to", len(out))
	return out
}

func (r *Reducer) summarize(ctx context.Context, prefix []chat.Message) (chat.Message, error) {
	req := []chat.Message{
		chat.NewMessage(chat.RoleSystem, summaryInstruction),
		chat.NewMessage(chat.RoleUser, transcript(prefix)),
	}
	reply, err := r.client.Complete(ctx, req, completion.Options{MaxTokens: r.maxTokens})
	if err != nil {
		return chat.Message{}, err
	}
	text := strings.TrimSpace(reply.Text())
	if text == "" {
		return chat.Message{}, completion.ErrEmptyResponse
	}

	return chat.Message{
		Role:    chat.RoleAssistant,
		Content: text,
		Metadata: map[string]string{
			MetaSummary:         "true",
			MetaSummarizedCount: strconv.Itoa(summarizedCount(prefix)),
		},
	}, nil
}

// IsSummary reports whether m was produced by a reduction.
func IsSummary(m chat.Message) bool {
	return m.Metadata[MetaSummary] == "true"
}

// summarizedCount counts original turns, looking through earlier summaries.
func summarizedCount(prefix []chat.Message) int {
	n := 0
	for _, m := range prefix {
		if IsSummary(m) {
			if c, err := strconv.Atoi(m.Metadata[MetaSummarizedCount]); err == nil {
				n += c
				continue
			}
		}
		n++
	}
	return n
}

func transcript(msgs []chat.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		role := string(m.Role)
		if IsSummary(m) {
			role = "earlier summary"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Text())
	}
	return b.String()
}
