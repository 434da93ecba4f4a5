// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gemini answers questions with the Gemini API, optionally grounding
// them in a set of uploaded reference documents.
//
// A [Client] keeps the documents it uploaded to the Gemini file store in
// memory. Files in the store expire on their own after some time, so
// [Client.SyncDocuments] removes everything left over from previous runs
// before uploading. When the API rejects a query because the uploaded files
// are no longer accessible, the client re-uploads them once and retries.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.astrophena.name/sage/internal/logger"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	defaultModel       = "gemini-1.5-flash"
	defaultMaxAttempts = 2
)

// Config describes how to construct a [Client].
type Config struct {
	// APIKey is the Gemini API key used for authentication. Required.
	APIKey string
	// Model specifies the name of the model to use for generation. If empty,
	// gemini-1.5-flash is used.
	Model string
	// BotName is how the bot introduces itself in the system instruction.
	BotName string
	// MaxAttempts is how many times a query is attempted before giving up.
	// Values less than one are replaced with the default of two attempts.
	MaxAttempts int
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
}

// Client is a Gemini API client. Use [New] to obtain one.
type Client struct {
	model       string
	botName     string
	maxAttempts int
	logf        logger.Logf

	genai *genai.Client

	mu      sync.Mutex
	docs    []document
	uploads []Upload

	// Overridden in tests.
	generate func(ctx context.Context, instruction string, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	upload   func(ctx context.Context, f *os.File, opts *genai.UploadFileOptions) (*genai.File, error)
	list     func(ctx context.Context) ([]*genai.File, error)
	remove   func(ctx context.Context, name string) error
}

// document is a reference document uploaded to the Gemini file store.
type document struct {
	display string // display name, for logs and health reports
	name    string // resource name in the file store, like "files/abc123"
	uri     string
	mime    string
}

// Upload describes a local file to upload as a reference document.
type Upload struct {
	// DisplayName identifies the document in logs and in the Gemini file store.
	DisplayName string
	// MIMEType is the media type of the file. If empty, text/markdown is
	// assumed.
	MIMEType string
	// Path is the location of the file on disk.
	Path string
}

// New creates a [Client] from the provided [Config].
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}

	gc, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	c := &Client{
		model:       cfg.Model,
		botName:     cfg.BotName,
		maxAttempts: cfg.MaxAttempts,
		logf:        cfg.Logf,
		genai:       gc,
	}

	model := gc.GenerativeModel(cfg.Model)
	model.SetCandidateCount(1)

	c.generate = func(ctx context.Context, instruction string, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}
		return model.GenerateContent(ctx, parts...)
	}
	c.upload = func(ctx context.Context, f *os.File, opts *genai.UploadFileOptions) (*genai.File, error) {
		return gc.UploadFile(ctx, "", f, opts)
	}
	c.list = func(ctx context.Context) ([]*genai.File, error) {
		var files []*genai.File
		it := gc.ListFiles(ctx)
		for {
			f, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		}
		return files, nil
	}
	c.remove = func(ctx context.Context, name string) error {
		return gc.DeleteFile(ctx, name)
	}

	return c, nil
}

// Close closes the underlying connection to the Gemini API.
func (c *Client) Close() error {
	if c.genai != nil {
		return c.genai.Close()
	}
	return nil
}

// Documents returns the display names of the currently uploaded reference
// documents.
func (c *Client) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.docs))
	for i, d := range c.docs {
		names[i] = d.display
	}
	return names
}

// SyncDocuments replaces the contents of the Gemini file store with the
// provided files. Leftovers from previous runs are removed first. Files that
// fail to upload are skipped with a log message; it is fine to end up with no
// documents at all, the bot then answers from general knowledge.
func (c *Client) SyncDocuments(ctx context.Context, uploads []Upload) error {
	c.cleanup(ctx)

	var docs []document
	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := c.uploadOne(ctx, u)
		if err != nil {
			c.logf("Skipping %q: %v", u.DisplayName, err)
			continue
		}
		docs = append(docs, d)
	}

	c.mu.Lock()
	c.docs = docs
	c.uploads = uploads
	c.mu.Unlock()

	if len(docs) == 0 {
		c.logf("No reference documents are available, answering from general knowledge.")
	} else {
		c.logf("Uploaded %d reference documents.", len(docs))
	}
	return nil
}

// cleanup removes all files from the Gemini file store. Errors are logged and
// otherwise ignored: a failed cleanup should not prevent fresh uploads.
func (c *Client) cleanup(ctx context.Context) {
	files, err := c.list(ctx)
	if err != nil {
		c.logf("Listing leftover files failed: %v", err)
		return
	}
	if len(files) == 0 {
		return
	}
	c.logf("Removing %d leftover files from previous runs...", len(files))
	for _, f := range files {
		if err := c.remove(ctx, f.Name); err != nil {
			c.logf("Removing %q failed: %v", f.Name, err)
		}
	}
}

func (c *Client) uploadOne(ctx context.Context, u Upload) (document, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return document{}, err
	}
	defer f.Close()

	mimeType := u.MIMEType
	if mimeType == "" {
		mimeType = "text/markdown"
	}

	uploaded, err := c.upload(ctx, f, &genai.UploadFileOptions{
		DisplayName: u.DisplayName,
		MIMEType:    mimeType,
	})
	if err != nil {
		return document{}, err
	}

	return document{
		display: u.DisplayName,
		name:    uploaded.Name,
		uri:     uploaded.URI,
		mime:    mimeType,
	}, nil
}

// GenerationError is returned by [Client.Query] when an answer could not be
// obtained from the Gemini API.
type GenerationError struct {
	// Attempts is how many generation attempts were made.
	Attempts int
	// Err is the last error encountered.
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

var errEmptyResponse = errors.New("model returned an empty response")

// Query asks the model the given question, grounding it in the uploaded
// reference documents. Transient API failures are retried up to the configured
// number of attempts. When the API reports that the uploaded files are no
// longer accessible, the documents are re-uploaded once and the query is
// retried.
func (c *Client) Query(ctx context.Context, question string) (string, error) {
	var (
		lastErr    error
		reuploaded bool
	)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		answer, err := c.generateOnce(ctx, question)
		if err == nil {
			return answer, nil
		}
		lastErr = err

		switch classify(err) {
		case failureRetryable:
		case failureExpired:
			if reuploaded {
				return "", &GenerationError{Attempts: attempt, Err: err}
			}
			reuploaded = true
			c.logf("Uploaded files are no longer accessible, re-uploading...")
			if rerr := c.SyncDocuments(ctx, c.currentUploads()); rerr != nil {
				return "", &GenerationError{Attempts: attempt, Err: rerr}
			}
		case failureFatal:
			return "", &GenerationError{Attempts: attempt, Err: err}
		}
	}

	return "", &GenerationError{Attempts: c.maxAttempts, Err: lastErr}
}

func (c *Client) currentUploads() []Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads
}

func (c *Client) generateOnce(ctx context.Context, question string) (string, error) {
	c.mu.Lock()
	docs := c.docs
	c.mu.Unlock()

	parts := make([]genai.Part, 0, len(docs)+1)
	for _, d := range docs {
		parts = append(parts, genai.FileData{MIMEType: d.mime, URI: d.uri})
	}
	parts = append(parts, genai.Text(question))

	resp, err := c.generate(ctx, c.instruction(len(docs) > 0), parts...)
	if err != nil {
		return "", err
	}
	answer := responseText(resp)
	if answer == "" {
		return "", errEmptyResponse
	}
	return answer, nil
}

func (c *Client) instruction(haveDocs bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a helpful assistant. ", c.botName)
	if haveDocs {
		sb.WriteString("Answer questions based solely on the provided reference documents. If the answer is not contained in them, say that you don't know. ")
	} else {
		sb.WriteString("Answer questions using your general knowledge. ")
	}
	sb.WriteString("Always respond in the same language as the question.")
	return sb.String()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return strings.TrimSpace(sb.String())
}

type failureKind int

const (
	failureFatal failureKind = iota
	failureRetryable
	failureExpired
)

func classify(err error) failureKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failureFatal
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden:
			return failureExpired
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
			return failureRetryable
		default:
			return failureFatal
		}
	}

	// Errors that don't carry an HTTP status are most likely transport
	// problems, worth another try.
	return failureRetryable
}
