package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	batches [][]tgbotapi.Update
	offsets []int
	onEmpty func()
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) GetUpdates(u tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, u.Offset)
	if len(f.batches) == 0 {
		if f.onEmpty != nil {
			f.onEmpty()
		}
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func command(updateID int, chatID int64, text string) tgbotapi.Update {
	name := strings.Fields(text)[0]
	return tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			Chat:     &tgbotapi.Chat{ID: chatID},
			Text:     text,
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
		},
	}
}

func TestTelegram_Alerts(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 77}

	tg.ReviewNeeded(context.Background(), grading.Result{
		SubmissionID: "sub-1", TotalScore: 2, TotalPossible: 4, Percentage: 50,
		ReviewReason: "low readability on problem 3 (0.40)",
		Questions: []grading.QuestionResult{
			{QuestionNumber: 1},
			{QuestionNumber: 3, NeedsReview: true, ReviewReason: "low readability (0.40)"},
		},
	}, "42")
	tg.JobFailed(context.Background(), queue.Item{ID: "job-9", SubmissionID: "sub-2", Attempts: 3}, errors.New("provider exhausted"))

	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(77), bot.sent[0].ChatID)
	assert.Equal(t, "Review needed: submission sub-1\nResult: 42\nScore: 2/4 (50.00%)\n"+
		"Reason: low readability on problem 3 (0.40)\n- problem 3: low readability (0.40)", bot.sent[0].Text)
	assert.Equal(t, "Grading failed after 3 attempts: submission sub-2 (job job-9)\nError: provider exhausted", bot.sent[1].Text)
}

func TestTelegram_Commands(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 77, stats: func(context.Context) (queue.Stats, error) {
		return queue.Stats{Pending: 2, Processing: 1, Completed: 5, Total: 8, OldestPendingAgeSec: 30}, nil
	}}
	ctx := context.Background()

	tg.HandleUpdate(ctx, command(1, 77, "/stats"))
	tg.HandleUpdate(ctx, command(2, 12, "/stats"))
	tg.HandleUpdate(ctx, tgbotapi.Update{UpdateID: 3, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 77}, Text: "hello"}})
	tg.HandleUpdate(ctx, command(4, 77, "/nope"))

	require.Len(t, bot.sent, 2, "other chats and plain text are ignored")
	assert.Equal(t, "pending 2, processing 1, completed 5, failed 0 (total 8)\noldest pending: 30s", bot.sent[0].Text)
	assert.Equal(t, "unknown command", bot.sent[1].Text)
}

func TestTelegram_PollAdvancesOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bot := &fakeBot{
		batches: [][]tgbotapi.Update{{command(10, 77, "/health"), command(11, 77, "/health")}},
		onEmpty: cancel,
	}
	tg := &Telegram{bot: bot, chatID: 77}

	done := make(chan struct{})
	go func() {
		tg.Poll(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not stop on cancel")
	}

	assert.Equal(t, []int{0, 12}, bot.offsets)
	require.Len(t, bot.sent, 2)
	assert.Equal(t, "OK", bot.sent[0].Text)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryDelayFromError(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryDelayFromError(nil))
	assert.Equal(t, 7*time.Second, retryDelayFromError(errors.New("Too Many Requests: retry after 7")))
	assert.Equal(t, 3*time.Second, retryDelayFromError(errors.New("too many requests")))
	assert.Equal(t, 2*time.Second, retryDelayFromError(timeoutErr{}))
	assert.Equal(t, time.Second, retryDelayFromError(errors.New("boom")))
}

func TestClip(t *testing.T) {
	long := strings.Repeat("x", maxMessage+10)
	assert.Equal(t, maxMessage+len("…"), len(clip(long)))
	assert.Equal(t, "short", clip("short"))
}
