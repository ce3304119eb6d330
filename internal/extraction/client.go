// Package extraction talks to the remote document extraction service.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/docproc-dashboard/backend/internal/models"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Endpoint paths, including the service's tuning parameters.
const (
	FieldsEndpoint   = "/extract-fields?batch_size=12"
	ProductsEndpoint = "/extract-suppliers?top_k=5"
)

// FormField is the multipart part holding the document.
const FormField = "file"

// Document is the file handed to the extraction service. Content is only
// read for the duration of one request.
type Document struct {
	Name    string
	Content io.Reader
}

// Client posts documents to the extraction service. It performs no retries
// and sets no timeout of its own.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	fieldsSchema   *jsonschema.Schema
	productsSchema *jsonschema.Schema
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	var err error
	if c.fieldsSchema, err = compileSchema("fields.json", fieldsSchema()); err != nil {
		return nil, fmt.Errorf("fields schema: %w", err)
	}
	if c.productsSchema, err = compileSchema("products.json", productsSchema()); err != nil {
		return nil, fmt.Errorf("products schema: %w", err)
	}
	return c, nil
}

// BaseURL returns the configured service address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ExtractFields sends doc to the fields endpoint.
func (c *Client) ExtractFields(ctx context.Context, doc Document) (*models.FieldsResult, error) {
	raw, err := c.post(ctx, FieldsEndpoint, doc, c.fieldsSchema)
	if err != nil {
		return nil, err
	}
	var result models.FieldsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, invalidResponse(err)
	}
	return &result, nil
}

// ExtractProducts sends doc to the supplier endpoint.
func (c *Client) ExtractProducts(ctx context.Context, doc Document) (*models.ProductsResult, error) {
	raw, err := c.post(ctx, ProductsEndpoint, doc, c.productsSchema)
	if err != nil {
		return nil, err
	}
	var result models.ProductsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, invalidResponse(err)
	}
	return &result, nil
}

// post streams doc as a multipart body and returns the validated 2xx body.
// Every failure is a *RequestError.
func (c *Client) post(ctx context.Context, endpoint string, doc Document, schema *jsonschema.Schema) ([]byte, error) {
	reqID := uuid.New().String()
	url := c.baseURL + endpoint
	start := time.Now()

	pr, pw := io.Pipe()
	defer pr.Close()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeDocument(writer, doc))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		c.logger.Error("extraction.http.build_request_error", "req_id", reqID, "error", err)
		return nil, Normalize(0, nil, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Info("extraction.http.request", "req_id", reqID, "url", url, "file", doc.Name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("extraction.http.send_error", "req_id", reqID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, Normalize(0, nil, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warn("extraction.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, readErr := io.ReadAll(resp.Body)

	c.logger.Info("extraction.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return nil, Normalize(resp.StatusCode, raw, statusError(resp.StatusCode))
	}
	if readErr != nil {
		return nil, Normalize(0, nil, fmt.Errorf("reading response: %w", readErr))
	}
	if err := validatePayload(schema, raw); err != nil {
		c.logger.Warn("extraction.http.invalid_response", "req_id", reqID, "error", err)
		return nil, invalidResponse(err)
	}
	return raw, nil
}

func writeDocument(writer *multipart.Writer, doc Document) error {
	part, err := writer.CreateFormFile(FormField, doc.Name)
	if err != nil {
		return err
	}
	if doc.Content != nil {
		if _, err := io.Copy(part, doc.Content); err != nil {
			return fmt.Errorf("writing document: %w", err)
		}
	}
	return writer.Close()
}

func invalidResponse(err error) *RequestError {
	return &RequestError{Message: "invalid extraction response: " + err.Error(), Err: err}
}
