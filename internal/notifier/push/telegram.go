// Package push contains concrete delivery backends for the notifier.
package push

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"noticewatch/internal/config"
	"noticewatch/internal/notice"
	"noticewatch/internal/notifier"
	logx "noticewatch/pkg/logx"
)

// Telegram delivers notice messages to Telegram chats. It is send-only:
// no poller, no incoming update handling.
type Telegram struct {
	bot   *tele.Bot
	chats map[string]int64
	log   logx.Logger
}

func NewTelegram(cfg config.TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.Chats) == 0 {
		return nil, errors.New("telegram chat mapping is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	chats := make(map[string]int64, len(cfg.Chats))
	for topic, id := range cfg.Chats {
		chats[topic] = id
	}
	return &Telegram{bot: b, chats: chats, log: log}, nil
}

// SendTopic implements notifier.Pusher. An unmapped topic falls back to the
// "*" chat when configured; otherwise the send fails.
func (t *Telegram) SendTopic(ctx context.Context, topic string, msg notifier.Message) error {
	chatID, ok := t.chats[topic]
	if !ok {
		chatID, ok = t.chats["*"]
	}
	if !ok {
		return fmt.Errorf("no chat mapped for topic %q", topic)
	}

	text := renderText(msg)
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send (chat %d): %w", chatID, err)
		}
		t.log.Debug("telegram: delivered",
			logx.String("topic", topic),
			logx.Int64("chat", chatID),
			logx.String("notice", msg.NoticeID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return fmt.Errorf("telegram send (chat %d): timed out", chatID)
	}
}

func renderText(msg notifier.Message) string {
	var b strings.Builder
	switch msg.Kind {
	case notice.ChangeUpdated:
		b.WriteString("✏️ <b>Updated notice</b>")
	default:
		b.WriteString("📌 <b>New notice</b>")
	}
	b.WriteString("\n\n")

	title := msg.Title
	if title == "" {
		title = "#" + msg.NoticeID
	}
	if msg.Link != "" {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, html.EscapeString(msg.Link), html.EscapeString(title))
	} else {
		b.WriteString(html.EscapeString(title))
	}
	b.WriteString("\n")

	if msg.Category != "" {
		fmt.Fprintf(&b, "%s · ", html.EscapeString(msg.Category))
	}
	if msg.Date != "" {
		b.WriteString(html.EscapeString(msg.Date))
	} else {
		b.WriteString(html.EscapeString(msg.DepartmentID))
	}
	if msg.Revision > 1 {
		fmt.Fprintf(&b, " · rev %d", msg.Revision)
	}
	return b.String()
}
