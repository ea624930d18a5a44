// ABOUTME: Tests for history reduction within and beyond budget
// ABOUTME: Uses the completion mock to script summaries and failures

package history

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
)

func setupReducer(t *testing.T, reply string) (*Reducer, *completion.Mock) {
	t.Helper()
	mock := completion.NewMock(reply)
	return New(mock, 512, nil), mock
}

func turns(n int) []chat.Message {
	msgs := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.NewMessage(role, fmt.Sprintf("turn %d", i)))
	}
	return msgs
}

func withSystem(msgs []chat.Message) []chat.Message {
	return append([]chat.Message{chat.NewMessage(chat.RoleSystem, "be brief")}, msgs...)
}

func TestReducer_WithinBudget_Unchanged(t *testing.T) {
	r, mock := setupReducer(t, "summary")
	msgs := withSystem(turns(7))

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 5, ThresholdCount: 2})
	assert.Equal(t, msgs, got)
	assert.Empty(t, mock.Calls())
}

func TestReducer_OverBudget(t *testing.T) {
	r, mock := setupReducer(t, "  they said hello  ")
	msgs := withSystem(turns(8))
	budget := Budget{TargetCount: 5, ThresholdCount: 2}

	got := r.Reduce(context.Background(), msgs, budget)
	require.Len(t, got, budget.TargetCount)

	assert.Equal(t, msgs[0], got[0], "system message kept first")

	summary := got[1]
	assert.Equal(t, chat.RoleAssistant, summary.Role)
	assert.Equal(t, "they said hello", summary.Content)
	assert.True(t, IsSummary(summary))
	assert.Equal(t, "5", summary.Metadata[MetaSummarizedCount])

	assert.Equal(t, msgs[len(msgs)-3:], got[2:], "tail kept verbatim")

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, chat.RoleSystem, calls[0][0].Role)
	assert.Contains(t, calls[0][1].Content, "user: turn 0")
	assert.NotContains(t, calls[0][1].Content, "turn 5")
	assert.Equal(t, int64(512), mock.LastOptions().MaxTokens)
}

func TestReducer_TargetTooSmallForSystem(t *testing.T) {
	r, mock := setupReducer(t, "summary")
	msgs := withSystem(turns(10))

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 2, ThresholdCount: 0})
	assert.Equal(t, msgs, got)
	assert.Empty(t, mock.Calls())

	// Without a system message the same budget fits a summary and one tail message.
	plain := turns(10)
	got = r.Reduce(context.Background(), plain, Budget{TargetCount: 2, ThresholdCount: 0})
	require.Len(t, got, 2)
	assert.True(t, IsSummary(got[0]))
	assert.Equal(t, plain[9], got[1])
}

func TestReducer_OverBudget_NoSystem(t *testing.T) {
	r, _ := setupReducer(t, "summary")
	msgs := turns(10)

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 4, ThresholdCount: 0})
	require.Len(t, got, 4)
	assert.True(t, IsSummary(got[0]))
	assert.Equal(t, msgs[7:], got[1:])
}

func TestReducer_SummarizationFails(t *testing.T) {
	r, mock := setupReducer(t, "")
	mock.SetError(errors.New("overloaded"))
	msgs := turns(10)

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 4, ThresholdCount: 0})
	assert.Equal(t, msgs, got)
}

func TestReducer_EmptySummary(t *testing.T) {
	r, _ := setupReducer(t, "   ")
	msgs := turns(10)

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 4, ThresholdCount: 0})
	assert.Equal(t, msgs, got)
}

func TestReducer_NilClient(t *testing.T) {
	r := New(nil, 0, nil)
	msgs := turns(10)

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 4, ThresholdCount: 0})
	assert.Equal(t, msgs, got)
}

func TestReducer_CountsThroughEarlierSummary(t *testing.T) {
	r, mock := setupReducer(t, "newer summary")
	earlier := chat.Message{
		Role:     chat.RoleAssistant,
		Content:  "older summary",
		Metadata: map[string]string{MetaSummary: "true", MetaSummarizedCount: "20"},
	}
	msgs := append([]chat.Message{earlier}, turns(6)...)

	got := r.Reduce(context.Background(), msgs, Budget{TargetCount: 3, ThresholdCount: 0})
	require.Len(t, got, 3)
	// earlier summary (20) plus turns 0..3
	assert.Equal(t, "24", got[0].Metadata[MetaSummarizedCount])
	assert.Contains(t, mock.Calls()[0][1].Content, "earlier summary: older summary")
}

func TestBudget_Validate(t *testing.T) {
	assert.NoError(t, DefaultBudget().Validate())
	assert.Error(t, Budget{TargetCount: 1}.Validate())
	assert.Error(t, Budget{TargetCount: 5, ThresholdCount: -1}.Validate())
	assert.True(t, Budget{}.IsZero())
}
