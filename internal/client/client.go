// Package client talks to a running voxstream server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxstream/internal/stream"
)

const (
	transcribePath = "/transcribe-stream"
	userAgent      = "voxstream/1"
)

// ErrTranscriptionFailed wraps the message of a terminal error event.
var ErrTranscriptionFailed = errors.New("transcription failed")

// StatusError is a request refused before the stream opened.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

type Options struct {
	HTTPClient *http.Client
	// Field is the multipart field carrying the file. Defaults to "file".
	Field string
}

type Client struct {
	endpoint string
	http     *http.Client
	field    string
}

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must use http or https, got %q", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + transcribePath

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Field == "" {
		opts.Field = "file"
	}

	return &Client{endpoint: u.String(), http: opts.HTTPClient, field: opts.Field}, nil
}

// TranscribeStream uploads the file at path and calls fn for every event as
// it arrives. A terminal error event is passed to fn and then returned,
// wrapped in ErrTranscriptionFailed. An empty language uses the server
// default.
func (c *Client) TranscribeStream(ctx context.Context, path, language string, fn func(stream.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	body, contentType := c.multipartBody(f, filepath.Base(path), language)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", stream.ContentType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != stream.ContentType {
		return fmt.Errorf("unexpected response content type %q", resp.Header.Get("Content-Type"))
	}

	var terminal error
	err = stream.Decode(resp.Body, func(ev stream.Event) error {
		if ev.IsError() {
			terminal = fmt.Errorf("%w: %s", ErrTranscriptionFailed, ev.Err())
		}
		return fn(ev)
	})
	if err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return terminal
}

// multipartBody streams the form through a pipe so large files are never
// buffered in memory.
func (c *Client) multipartBody(file io.Reader, filename, language string) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, c.field, file, filename, language))
	}()

	return pr, mw.FormDataContentType()
}

func writeForm(mw *multipart.Writer, field string, file io.Reader, filename, language string) error {
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("stream audio file: %w", err)
	}
	return mw.Close()
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{Code: resp.StatusCode, Message: payload.Error}
}
