// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Sage is a Telegram bot that answers questions with Gemini, grounded in
your own documents.

On startup Sage syncs a git repository of reference documents (or uses
whatever already exists in the sources directory), uploads them to the
Gemini File API and then long-polls Telegram for updates. Every text
message becomes a question: Sage asks Gemini to answer it based solely
on the uploaded documents and replies in the chat, formatted with
Telegram markup. If no documents are available, Sage still runs and
answers from the model's general knowledge.

In group chats Sage only answers when the message starts with its name
or @username. The /start command returns a short introduction and
never touches the model.

# Usage

	$ sage [flags...]

# Environment Variables

The following environment variables can be used to configure Sage. A
.env file in the current directory, if present, fills in variables
that are not already set.

  - TELEGRAM_TOKEN: The Telegram Bot API token. Required.
  - GEMINI_KEY: The Gemini API key. Required.
  - TELEGRAM_BOT_NAME: The bot name users address it by in group chats.
    Defaults to the name reported by the getMe Telegram Bot API method.
  - GEMINI_MODEL: The Gemini model used for answering questions.
    Defaults to gemini-1.5-flash.
  - GOOGLE_API_MAX_ATTEMPTS: How many times a failed Gemini request is
    attempted before giving up. Defaults to 2.
  - SOURCES_DIR: The directory with reference documents. Defaults to
    "sources".
  - SOURCES_REPO_URL: The git repository to sync reference documents
    from. If empty, no syncing happens and the local directory is used
    as is.
  - RESTART_DELAY: How long to wait before restarting the polling loop
    after a failure, either a Go duration ("10s") or a number of
    seconds. Defaults to 5s.
  - ADDR: The listen address of the debug server ("host:port"). If
    empty, no debug server is started.
  - HTTP_LOG: If set to any non-empty value, every HTTP request and
    response is logged. Secrets are scrubbed from the logs.

# Debug Interface

When ADDR is set, Sage serves a debug interface at /debug with the
following endpoints:

  - /debug/logs: Displays the last 300 lines of logs, streamed
    automatically.
  - /debug/statsviz: Displays runtime metrics.

A health check endpoint reporting the number of uploaded reference
documents and the age of the last successful poll is available at
/health.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/sage/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
