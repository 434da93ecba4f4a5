// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.astrophena.name/sage/internal/api/gemini"
	"go.astrophena.name/sage/internal/api/telegram"
	"go.astrophena.name/sage/internal/testutil"
)

func update(chatType, text string) telegram.Update {
	return telegram.Update{
		ID: 1,
		Message: &telegram.Message{
			ID:   10,
			From: &telegram.User{ID: 1, FirstName: "Gopher"},
			Chat: telegram.Chat{ID: 42, Type: chatType},
			Text: text,
		},
	}
}

func TestStartCommand(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"private chat": "/start",
		"group chat":   "/start@sage_bot",
	}

	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m := testMux(t, nil)
			e, fake := testEngine(t, m)
			chatType := "private"
			if name == "group chat" {
				chatType = "group"
			}

			e.handleUpdate(context.Background(), update(chatType, text))

			sent := m.callsTo("sendMessage")
			if len(sent) != 1 {
				t.Fatalf("want 1 sendMessage call, got %d", len(sent))
			}
			got := sent[0].Args["text"].(string)
			if !strings.Contains(got, "Sage") {
				t.Errorf("greeting %q doesn't mention the bot name", got)
			}
			testutil.AssertEqual(t, sent[0].Args["reply_to_message_id"], float64(10))
			testutil.AssertEqual(t, len(fake.questions()), 0)
		})
	}
}

func TestAnswersQuestion(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e, fake := testEngine(t, m)
	fake.answer = "Preheat the oven to 180 degrees."

	e.handleUpdate(context.Background(), update("private", "How do I bake an apple pie?"))

	testutil.AssertEqual(t, fake.questions(), []string{"How do I bake an apple pie?"})

	sent := m.callsTo("sendMessage")
	if len(sent) != 1 {
		t.Fatalf("want 1 sendMessage call, got %d", len(sent))
	}
	testutil.AssertEqual(t, sent[0].Args["chat_id"], float64(42))
	testutil.AssertEqual(t, sent[0].Args["text"], placeholderText)
	testutil.AssertEqual(t, sent[0].Args["reply_to_message_id"], float64(10))

	edits := m.callsTo("editMessageText")
	if len(edits) != 1 {
		t.Fatalf("want 1 editMessageText call, got %d", len(edits))
	}
	testutil.AssertEqual(t, edits[0].Args["chat_id"], float64(42))
	testutil.AssertEqual(t, edits[0].Args["message_id"], float64(101))
	testutil.AssertEqual(t, edits[0].Args["text"], `Preheat the oven to 180 degrees\.`)
	testutil.AssertEqual(t, edits[0].Args["parse_mode"], "MarkdownV2")
}

func TestIgnoresShortQuestion(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e, fake := testEngine(t, m)

	e.handleUpdate(context.Background(), update("private", "hi"))

	testutil.AssertEqual(t, len(m.callsTo("sendMessage")), 0)
	testutil.AssertEqual(t, len(fake.questions()), 0)
}

func TestRejectsLongQuestion(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e, fake := testEngine(t, m)

	e.handleUpdate(context.Background(), update("private", strings.Repeat("a", maxQuestionLen+1)))

	sent := m.callsTo("sendMessage")
	if len(sent) != 1 {
		t.Fatalf("want 1 sendMessage call, got %d", len(sent))
	}
	testutil.AssertEqual(t, sent[0].Args["text"], tooLongText)
	testutil.AssertEqual(t, len(fake.questions()), 0)
}

func TestIgnoresServiceUpdates(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e, fake := testEngine(t, m)

	// An update without a message and a message without text.
	e.handleUpdate(context.Background(), telegram.Update{ID: 1})
	e.handleUpdate(context.Background(), update("private", ""))

	// A message from another bot.
	upd := update("private", "How do I bake an apple pie?")
	upd.Message.From.IsBot = true
	e.handleUpdate(context.Background(), upd)

	testutil.AssertEqual(t, len(m.calls()), 0)
	testutil.AssertEqual(t, len(fake.questions()), 0)
}

func TestGroupChats(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		chatType     string
		text         string
		wantQuestion string // empty means the message must be ignored
	}{
		"ignores message not addressed to the bot": {
			chatType: "group",
			text:     "How do I bake an apple pie?",
		},
		"answers when mentioned by username": {
			chatType:     "group",
			text:         "@sage_bot How do I bake an apple pie?",
			wantQuestion: "How do I bake an apple pie?",
		},
		"answers when mentioned by name": {
			chatType:     "supergroup",
			text:         "Sage: How do I bake an apple pie?",
			wantQuestion: "How do I bake an apple pie?",
		},
		"mention is case-insensitive": {
			chatType:     "group",
			text:         "sage, how do I bake an apple pie?",
			wantQuestion: "how do I bake an apple pie?",
		},
		"ignores channel posts": {
			chatType: "channel",
			text:     "@sage_bot How do I bake an apple pie?",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m := testMux(t, nil)
			e, fake := testEngine(t, m)
			fake.answer = "Preheat the oven."

			e.handleUpdate(context.Background(), update(tc.chatType, tc.text))

			if tc.wantQuestion == "" {
				testutil.AssertEqual(t, len(m.calls()), 0)
				testutil.AssertEqual(t, len(fake.questions()), 0)
				return
			}
			testutil.AssertEqual(t, fake.questions(), []string{tc.wantQuestion})
		})
	}
}

func TestApologizesOnFailure(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e, fake := testEngine(t, m)
	fake.err = &gemini.GenerationError{Attempts: 2, Err: errors.New("model overloaded")}

	e.handleUpdate(context.Background(), update("private", "How do I bake an apple pie?"))

	edits := m.callsTo("editMessageText")
	if len(edits) != 1 {
		t.Fatalf("want 1 editMessageText call, got %d", len(edits))
	}
	testutil.AssertEqual(t, edits[0].Args["text"], apologyText)
	if _, ok := edits[0].Args["parse_mode"]; ok {
		t.Errorf("apology must be sent as plain text, got parse_mode %v", edits[0].Args["parse_mode"])
	}
}

func TestFallsBackToPlainTextOnBadMarkup(t *testing.T) {
	t.Parallel()

	m := testMux(t, map[string]handlerFunc{
		"editMessageText": func(w http.ResponseWriter, args map[string]any) {
			if _, ok := args["parse_mode"]; ok {
				respondStatus(w, http.StatusBadRequest, "Bad Request: can't parse entities")
				return
			}
			respondResult(w, telegram.Message{ID: 101, Chat: telegram.Chat{ID: 42}})
		},
	})
	e, fake := testEngine(t, m)
	fake.answer = "Use **fresh** apples."

	e.handleUpdate(context.Background(), update("private", "How do I bake an apple pie?"))

	edits := m.callsTo("editMessageText")
	if len(edits) != 2 {
		t.Fatalf("want 2 editMessageText calls, got %d", len(edits))
	}
	testutil.AssertEqual(t, edits[0].Args["text"], `Use *fresh* apples\.`)
	testutil.AssertEqual(t, edits[0].Args["parse_mode"], "MarkdownV2")
	testutil.AssertEqual(t, edits[1].Args["text"], "Use fresh apples.")
	if _, ok := edits[1].Args["parse_mode"]; ok {
		t.Error("fallback message must not have a parse mode")
	}
}

func TestSplitsLongAnswer(t *testing.T) {
	t.Parallel()

	m := testMux(t, nil)
	e, fake := testEngine(t, m)
	first := strings.Repeat("a", 3000)
	second := strings.Repeat("b", 3000)
	fake.answer = first + "\n\n" + second

	e.handleUpdate(context.Background(), update("private", "How do I bake an apple pie?"))

	edits := m.callsTo("editMessageText")
	if len(edits) != 1 {
		t.Fatalf("want 1 editMessageText call, got %d", len(edits))
	}
	testutil.AssertEqual(t, edits[0].Args["text"], first)

	sent := m.callsTo("sendMessage")
	if len(sent) != 2 {
		t.Fatalf("want 2 sendMessage calls, got %d", len(sent))
	}
	testutil.AssertEqual(t, sent[0].Args["text"], placeholderText)
	testutil.AssertEqual(t, sent[1].Args["text"], second)
	testutil.AssertEqual(t, sent[1].Args["parse_mode"], "MarkdownV2")
}
