// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.astrophena.name/sage/internal/api/telegram"
	"go.astrophena.name/sage/internal/request"
	"go.astrophena.name/sage/internal/tgmarkup"
)

const (
	// Questions shorter than minQuestionLen runes are silently ignored,
	// questions longer than maxQuestionLen are rejected without asking
	// the model, and questions longer than warnQuestionLen are answered
	// but logged.
	minQuestionLen  = 3
	warnQuestionLen = 400
	maxQuestionLen  = 500

	greetingText    = "Hello! I'm %s. Ask me a question and I'll try to answer it using my reference documents."
	placeholderText = "Processing your request…"
	tooLongText     = "Your question is too long. Please shorten it to 500 characters or less."
	apologyText     = "Sorry, something went wrong while processing your request, please try again later."
)

func (e *engine) handleUpdate(ctx context.Context, upd telegram.Update) {
	msg := upd.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if cmd, _, _ := strings.Cut(text, " "); cmd == "/start" || strings.EqualFold(cmd, "/start@"+e.botUsername) {
		e.reply(ctx, msg, fmt.Sprintf(greetingText, e.botName))
		return
	}

	question, ok := e.question(msg)
	if !ok {
		return
	}
	e.answer(ctx, msg, question)
}

// question extracts the question from the message. In private chats
// every message is a question. In group chats only messages that start
// with the bot's name or @username are questions; the mention and any
// separators after it are stripped.
func (e *engine) question(msg *telegram.Message) (string, bool) {
	text := strings.TrimSpace(msg.Text)
	switch msg.Chat.Type {
	case "private":
		return text, true
	case "group", "supergroup":
		for _, mention := range []string{"@" + e.botUsername, e.botName} {
			if q, ok := trimMention(text, mention); ok {
				return q, true
			}
		}
	}
	return "", false
}

func trimMention(text, mention string) (string, bool) {
	if mention == "" || len(text) < len(mention) || !strings.EqualFold(text[:len(mention)], mention) {
		return "", false
	}
	return strings.TrimLeft(text[len(mention):], " :,-"), true
}

func (e *engine) answer(ctx context.Context, msg *telegram.Message, question string) {
	n := utf8.RuneCountInString(question)
	switch {
	case n < minQuestionLen:
		return
	case n > maxQuestionLen:
		e.reply(ctx, msg, tooLongText)
		return
	case n > warnQuestionLen:
		e.logf("Accepted a long question (%d characters) in chat %d.", n, msg.Chat.ID)
	}
	e.logf("Answering a question in chat %d.", msg.Chat.ID)

	placeholder, err := e.tg.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           msg.Chat.ID,
		Text:             placeholderText,
		ReplyToMessageID: msg.ID,
	})
	if err != nil {
		e.logf("Sending a placeholder to chat %d failed: %v", msg.Chat.ID, err)
		return
	}

	answer, err := e.gemini.Query(ctx, question)
	if err != nil {
		e.logf("Answering a question in chat %d failed: %v", msg.Chat.ID, err)
		if _, err := e.tg.EditMessageText(ctx, telegram.EditMessageTextParams{
			ChatID:    placeholder.Chat.ID,
			MessageID: placeholder.ID,
			Text:      apologyText,
		}); err != nil {
			e.logf("Editing message %d in chat %d failed: %v", placeholder.ID, placeholder.Chat.ID, err)
		}
		return
	}

	// The first chunk replaces the placeholder, the rest are sent as
	// follow-up messages.
	for i, chunk := range telegram.SplitMessage(answer) {
		if i == 0 {
			e.editFormatted(ctx, placeholder, chunk)
			continue
		}
		e.sendFormatted(ctx, placeholder.Chat.ID, chunk)
	}
}

// editFormatted edits msg to contain text rendered as Telegram markup.
// If Telegram rejects the markup, it falls back to plain text:
// delivering the answer is more important than formatting it.
func (e *engine) editFormatted(ctx context.Context, msg telegram.Message, text string) {
	_, err := e.tg.EditMessageText(ctx, telegram.EditMessageTextParams{
		ChatID:    msg.Chat.ID,
		MessageID: msg.ID,
		Text:      tgmarkup.Render(text),
		ParseMode: "MarkdownV2",
	})
	if isBadRequest(err) {
		_, err = e.tg.EditMessageText(ctx, telegram.EditMessageTextParams{
			ChatID:    msg.Chat.ID,
			MessageID: msg.ID,
			Text:      tgmarkup.Strip(text),
		})
	}
	if err != nil {
		e.logf("Editing message %d in chat %d failed: %v", msg.ID, msg.Chat.ID, err)
	}
}

// sendFormatted is like editFormatted, but sends a new message.
func (e *engine) sendFormatted(ctx context.Context, chatID int64, text string) {
	_, err := e.tg.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:    chatID,
		Text:      tgmarkup.Render(text),
		ParseMode: "MarkdownV2",
	})
	if isBadRequest(err) {
		_, err = e.tg.SendMessage(ctx, telegram.SendMessageParams{
			ChatID: chatID,
			Text:   tgmarkup.Strip(text),
		})
	}
	if err != nil {
		e.logf("Sending a message to chat %d failed: %v", chatID, err)
	}
}

func (e *engine) reply(ctx context.Context, msg *telegram.Message, text string) {
	if _, err := e.tg.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           msg.Chat.ID,
		Text:             text,
		ReplyToMessageID: msg.ID,
	}); err != nil {
		e.logf("Replying in chat %d failed: %v", msg.Chat.ID, err)
	}
}

func isBadRequest(err error) bool {
	var statusErr *request.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest
}
