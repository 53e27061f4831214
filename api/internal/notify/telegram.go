package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"homework-grader/api/internal/grading"
	"homework-grader/api/internal/queue"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

type StatsFunc func(ctx context.Context) (queue.Stats, error)

// Telegram posts review and failure alerts to one chat and answers /stats and /health there.
type Telegram struct {
	bot    botAPI
	chatID int64
	stats  StatsFunc
}

func NewTelegram(token string, chatID int64, stats StatsFunc) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_REVIEW_CHAT_ID are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	log.Printf("[notify] telegram bot @%s, review chat %d", bot.Self.UserName, chatID)
	return &Telegram{bot: bot, chatID: chatID, stats: stats}, nil
}

func (t *Telegram) ReviewNeeded(_ context.Context, res grading.Result, resultID string) {
	t.send(t.chatID, reviewText(res, resultID))
}

func (t *Telegram) JobFailed(_ context.Context, item queue.Item, err error) {
	t.send(t.chatID, failedText(item, err))
}

func (t *Telegram) send(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("[notify] telegram send: %v", err)
	}
}

// HandleUpdate answers commands posted in the review chat; everything else is ignored.
func (t *Telegram) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil || !upd.Message.IsCommand() || upd.Message.Chat == nil || upd.Message.Chat.ID != t.chatID {
		return
	}
	cid := upd.Message.Chat.ID
	switch upd.Message.Command() {
	case "start":
		t.send(cid, "Grading alerts are posted here.\nCommands: /health, /stats")
	case "health":
		t.send(cid, "OK")
	case "stats":
		if t.stats == nil {
			t.send(cid, "queue stats are not available")
			return
		}
		st, err := t.stats(ctx)
		if err != nil {
			t.send(cid, fmt.Sprintf("stats error: %v", err))
			return
		}
		t.send(cid, fmt.Sprintf("pending %d, processing %d, completed %d, failed %d (total %d)\noldest pending: %ds",
			st.Pending, st.Processing, st.Completed, st.Failed, st.Total, st.OldestPendingAgeSec))
	default:
		t.send(cid, "unknown command")
	}
}

// Poll long-polls updates until ctx is done, backing off on errors.
func (t *Telegram) Poll(ctx context.Context) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30

		updates, err := t.bot.GetUpdates(u)
		if err != nil {
			d := min(max(retryDelayFromError(err), baseDelay), maxDelay)
			log.Printf("[notify] polling error: %v; retry in %v", err, d)
			sleep(ctx, d)
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			t.HandleUpdate(ctx, upd)
		}
		if len(updates) == 0 {
			sleep(ctx, 200*time.Millisecond)
		}
	}
	log.Printf("[notify] polling stopped")
}

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") {
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return 1 * time.Second
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
