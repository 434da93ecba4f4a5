// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram provides a client for interacting with the Telegram Bot
// API.
//
// To use this package, create a [Client] with your bot token. The client
// retries requests rejected due to rate limiting, honoring the retry_after
// hint returned by the API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.astrophena.name/sage/internal/request"

	"golang.org/x/time/rate"
)

const (
	tgAPI          = "https://api.telegram.org"
	sendRetryLimit = 5 // N attempts to retry a rate limited request

	// longPollTimeout is how long a getUpdates call asks Telegram to hold the
	// connection open before returning an empty result.
	longPollTimeout = 30 * time.Second
)

// MaxMessageLen is the maximum length of a Telegram message text, in
// characters.
const MaxMessageLen = 4096

// Client represents a Telegram Bot API client.
type Client struct {
	// Token is the Telegram Bot API token used for authentication.
	Token string
	// HTTPClient is an optional custom HTTP client object to use for requests.
	// If not provided, request.DefaultClient will be used. Keep in mind that
	// [Client.GetUpdates] holds the connection open for up to 30 seconds, so the
	// client timeout must be larger than that.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that removes sensitive
	// information from errors.
	Scrubber *strings.Replacer

	once    sync.Once
	limiter *rate.Limiter
}

func (c *Client) init() {
	c.once.Do(func() {
		// Telegram allows bots to send up to 30 messages per second.
		c.limiter = rate.NewLimiter(rate.Limit(30), 10)
	})
}

// User represents a Telegram user or bot.
// See https://core.telegram.org/bots/api#user.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat represents a Telegram chat.
// See https://core.telegram.org/bots/api#chat.
type Chat struct {
	ID int64 `json:"id"`
	// Type of the chat: "private", "group", "supergroup" or "channel".
	Type string `json:"type"`
}

// Message represents a Telegram message.
// See https://core.telegram.org/bots/api#message.
type Message struct {
	ID   int64  `json:"message_id"`
	From *User  `json:"from,omitempty"`
	Chat Chat   `json:"chat"`
	Text string `json:"text,omitempty"`
}

// Update represents an incoming update.
// See https://core.telegram.org/bots/api#update.
type Update struct {
	ID      int64    `json:"update_id"`
	Message *Message `json:"message,omitempty"`
}

// Telegram wraps every API response into this envelope.
// See https://core.telegram.org/bots/api#making-requests.
type apiResponse[T any] struct {
	OK     bool `json:"ok"`
	Result T    `json:"result"`
}

// GetMe returns basic information about the bot account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	resp, err := makeRequest[apiResponse[User]](ctx, c, "getMe", nil)
	if err != nil {
		return User{}, err
	}
	return resp.Result, nil
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// GetUpdates long-polls Telegram for incoming messages, starting from offset.
// It returns when Telegram has updates to deliver or when the poll timeout
// expires, whichever comes first.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	resp, err := makeRequest[apiResponse[[]Update]](ctx, c, "getUpdates", &getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(longPollTimeout.Seconds()),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SendMessageParams are the arguments of the sendMessage method.
// See https://core.telegram.org/bots/api#sendmessage.
type SendMessageParams struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ParseMode        string `json:"parse_mode,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

// SendMessage sends a message and returns it as stored by Telegram.
func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (Message, error) {
	resp, err := makeRequest[apiResponse[Message]](ctx, c, "sendMessage", &p)
	if err != nil {
		return Message{}, err
	}
	return resp.Result, nil
}

// EditMessageTextParams are the arguments of the editMessageText method.
// See https://core.telegram.org/bots/api#editmessagetext.
type EditMessageTextParams struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, p EditMessageTextParams) (Message, error) {
	resp, err := makeRequest[apiResponse[Message]](ctx, c, "editMessageText", &p)
	if err != nil {
		return Message{}, err
	}
	return resp.Result, nil
}

func makeRequest[Response any](ctx context.Context, c *Client, method string, args any) (Response, error) {
	c.init()

	var (
		resp Response
		err  error
	)
	for range sendRetryLimit {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return resp, werr
		}
		resp, err = request.Make[Response](ctx, request.Params{
			Method:     http.MethodPost,
			URL:        tgAPI + "/bot" + c.Token + "/" + method,
			Body:       args,
			HTTPClient: c.HTTPClient,
			Scrubber:   c.Scrubber,
		})
		if err == nil {
			return resp, nil
		}
		retryable, wait := isRateLimited(err)
		if !retryable {
			break
		}
		time.Sleep(wait)
	}
	return resp, err
}

func isRateLimited(err error) (retryable bool, wait time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}

	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
}

// SplitMessage splits text into chunks that fit into a single Telegram
// message, preferring to break at paragraph or line boundaries.
func SplitMessage(text string) []string {
	if utf8.RuneCountInString(text) <= MaxMessageLen {
		return []string{text}
	}

	var parts []string
	rest := text
	for utf8.RuneCountInString(rest) > MaxMessageLen {
		window := string([]rune(rest)[:MaxMessageLen])
		cut := len(window)
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i + 2
		} else if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = i + 1
		} else if i := strings.LastIndex(window, " "); i > 0 {
			cut = i + 1
		}
		parts = append(parts, strings.TrimRight(rest[:cut], " \n"))
		rest = rest[cut:]
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
