// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.astrophena.name/sage/internal/request"
	"go.astrophena.name/sage/internal/testutil"
	"go.astrophena.name/sage/internal/web"
)

// Typical Telegram Bot API token, copied from docs.
const tgToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

const postTelegram = "POST api.telegram.org/{token}/{method}"

type mux struct {
	mux   *http.ServeMux
	calls []call
}

type call struct {
	Method string
	Args   map[string]any
}

func testMux(t *testing.T, overrides map[string]http.HandlerFunc) *mux {
	m := &mux{mux: http.NewServeMux()}
	m.mux.HandleFunc(postTelegram, func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, tgToken, strings.TrimPrefix(r.PathValue("token"), "bot"))
		var args map[string]any
		if b := read(t, r.Body); len(b) > 0 {
			args = testutil.UnmarshalJSON[map[string]any](t, b)
		}
		m.calls = append(m.calls, call{Method: r.PathValue("method"), Args: args})
		if h := overrides[r.PathValue("method")]; h != nil {
			h(w, r)
			return
		}
		web.RespondJSON(w, apiResponse[map[string]any]{OK: true, Result: map[string]any{}})
	})
	return m
}

func testClient(m *mux) *Client {
	return &Client{
		Token:      tgToken,
		HTTPClient: testutil.MockHTTPClient(m.mux),
	}
}

func read(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestGetMe(t *testing.T) {
	m := testMux(t, map[string]http.HandlerFunc{
		"getMe": func(w http.ResponseWriter, r *http.Request) {
			web.RespondJSON(w, apiResponse[User]{OK: true, Result: User{
				ID:       123456789,
				IsBot:    true,
				Username: "sage_bot",
			}})
		},
	})

	me, err := testClient(m).GetMe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, me.Username, "sage_bot")
	testutil.AssertEqual(t, me.ID, int64(123456789))
}

func TestGetUpdates(t *testing.T) {
	m := testMux(t, map[string]http.HandlerFunc{
		"getUpdates": func(w http.ResponseWriter, r *http.Request) {
			web.RespondJSON(w, apiResponse[[]Update]{OK: true, Result: []Update{
				{
					ID: 40,
					Message: &Message{
						ID:   1,
						Chat: Chat{ID: 123, Type: "private"},
						Text: "hello",
					},
				},
			}})
		},
	})

	updates, err := testClient(m).GetUpdates(context.Background(), 40)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(updates), 1)
	testutil.AssertEqual(t, updates[0].Message.Text, "hello")

	args := m.calls[0].Args
	testutil.AssertEqual(t, args["offset"], float64(40))
	testutil.AssertEqual(t, args["timeout"], float64(30))
	testutil.AssertEqual(t, args["allowed_updates"], []any{"message"})
}

func TestSendMessageRetriesRateLimit(t *testing.T) {
	attempts := 0
	m := testMux(t, map[string]http.HandlerFunc{
		"sendMessage": func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 0","parameters":{"retry_after":0}}`))
				return
			}
			web.RespondJSON(w, apiResponse[Message]{OK: true, Result: Message{ID: 7}})
		},
	})

	msg, err := testClient(m).SendMessage(context.Background(), SendMessageParams{ChatID: 1, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, msg.ID, int64(7))
	testutil.AssertEqual(t, attempts, 2)
}

func TestSendMessageGivesUpWhenRateLimited(t *testing.T) {
	attempts := 0
	m := testMux(t, map[string]http.HandlerFunc{
		"sendMessage": func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 0","parameters":{"retry_after":0}}`))
		},
	})

	_, err := testClient(m).SendMessage(context.Background(), SendMessageParams{ChatID: 1, Text: "hi"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *request.StatusError, got %T", err)
	}
	testutil.AssertEqual(t, statusErr.StatusCode, http.StatusTooManyRequests)
	testutil.AssertEqual(t, attempts, sendRetryLimit)
}

func TestSendMessageFailsOnBadRequest(t *testing.T) {
	attempts := 0
	m := testMux(t, map[string]http.HandlerFunc{
		"sendMessage": func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
		},
	})

	_, err := testClient(m).SendMessage(context.Background(), SendMessageParams{ChatID: 1, Text: "*oops"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *request.StatusError, got %T", err)
	}
	testutil.AssertEqual(t, statusErr.StatusCode, http.StatusBadRequest)
	testutil.AssertEqual(t, attempts, 1)
}

func TestSplitMessage(t *testing.T) {
	long := strings.Repeat("a", MaxMessageLen)
	para1 := strings.Repeat("x", 3000)
	para2 := strings.Repeat("y", 3000)

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "short text unchanged",
			in:   "hello",
			want: []string{"hello"},
		},
		{
			name: "exactly at limit",
			in:   long,
			want: []string{long},
		},
		{
			name: "hard split without separators",
			in:   long + "a",
			want: []string{long, "a"},
		},
		{
			name: "splits at paragraph boundary",
			in:   para1 + "\n\n" + para2,
			want: []string{para1, para2},
		},
		{
			name: "splits at line boundary",
			in:   para1 + "\n" + para2,
			want: []string{para1, para2},
		},
		{
			name: "splits at space",
			in:   para1 + " " + para2,
			want: []string{para1, para2},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.AssertEqual(t, SplitMessage(tc.in), tc.want)
		})
	}
}
