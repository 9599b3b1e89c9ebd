package zeppelin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultPort is the port the Zeppelin charm exposes its REST API on.
const DefaultPort = 9090

// DefaultTimeout bounds every request to the notebook API.
const DefaultTimeout = 60 * time.Second

// Interpreter is an interpreter setting bound, or bindable, to a notebook.
type Interpreter struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// ParagraphStatus is one entry of a notebook job status listing.
type ParagraphStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Paragraph is the detail view of a single paragraph.
type Paragraph struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ParagraphError is the first line of a failed paragraph's error message.
type ParagraphError struct {
	ParagraphID string `json:"paragraphId"`
	Message     string `json:"message"`
}

func (p ParagraphError) String() string {
	return fmt.Sprintf("%s: %s", p.ParagraphID, p.Message)
}

type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Body    T      `json:"body"`
}

// RequestError is returned for any non-2xx response.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("zeppelin request failed: method=%s path=%s status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// BaseURL returns the notebook API root for host.
func BaseURL(host string, port int) string {
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("http://%s/api/notebook/", net.JoinHostPort(host, fmt.Sprint(port)))
}

// Client talks to the Zeppelin notebook REST API.
type Client struct {
	client  *resty.Client
	baseURL string
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.SetTimeout(d)
	}
}

// NewClient returns a client rooted at baseURL, e.g. BaseURL(addr, 9090).
func NewClient(baseURL string, opts ...Option) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	c := &Client{
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(DefaultTimeout),
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying transport client.
func (c *Client) HTTPClient() *http.Client {
	return c.client.GetClient()
}

// Interpreters lists the interpreters bindable to a notebook.
func (c *Client) Interpreters(ctx context.Context, notebookID string) ([]Interpreter, error) {
	var out envelope[[]Interpreter]
	if err := c.do(ctx, http.MethodGet, "interpreter/bind/"+notebookID, nil, &out); err != nil {
		return nil, err
	}
	return out.Body, nil
}

// BindInterpreters binds the given interpreter ids to a notebook.
func (c *Client) BindInterpreters(ctx context.Context, notebookID string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return c.do(ctx, http.MethodPut, "interpreter/bind/"+notebookID, ids, nil)
}

// BindAll binds every interpreter currently listed for a notebook.
func (c *Client) BindAll(ctx context.Context, notebookID string) ([]string, error) {
	interpreters, err := c.Interpreters(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(interpreters))
	for _, interpreter := range interpreters {
		ids = append(ids, interpreter.ID)
	}
	return ids, c.BindInterpreters(ctx, notebookID, ids)
}

// RunNotebook triggers an asynchronous run of every paragraph.
func (c *Client) RunNotebook(ctx context.Context, notebookID string) error {
	return c.do(ctx, http.MethodPost, "job/"+notebookID, nil, nil)
}

// JobStatus returns the status of every paragraph of a notebook job.
func (c *Client) JobStatus(ctx context.Context, notebookID string) ([]ParagraphStatus, error) {
	var out envelope[[]ParagraphStatus]
	if err := c.do(ctx, http.MethodGet, "job/"+notebookID, nil, &out); err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Paragraph returns the detail of one paragraph.
func (c *Client) Paragraph(ctx context.Context, notebookID, paragraphID string) (Paragraph, error) {
	var out envelope[Paragraph]
	if err := c.do(ctx, http.MethodGet, notebookID+"/paragraph/"+paragraphID, nil, &out); err != nil {
		return Paragraph{}, err
	}
	if out.Body.ID == "" {
		out.Body.ID = paragraphID
	}
	return out.Body, nil
}

// ParagraphErrors fetches the first line of the error message of every
// ERROR paragraph in statuses, in listing order.
func (c *Client) ParagraphErrors(ctx context.Context, notebookID string, statuses []ParagraphStatus) ([]ParagraphError, error) {
	var out []ParagraphError
	for _, ps := range statuses {
		if ps.Status != StatusError {
			continue
		}
		paragraph, err := c.Paragraph(ctx, notebookID, ps.ID)
		if err != nil {
			return out, err
		}
		out = append(out, ParagraphError{ParagraphID: ps.ID, Message: firstLine(paragraph.ErrorMessage)})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	req := c.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("zeppelin %s %s: %w", method, path, err)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("decode zeppelin %s %s: %w", method, path, err)
	}
	return nil
}

func firstLine(value string) string {
	line, _, _ := strings.Cut(value, "\n")
	return strings.TrimSpace(line)
}
