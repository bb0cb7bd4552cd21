// Package api implements the client for the EchoNote remote API: the
// REST endpoints for notes, folders and action items plus the
// synthesis endpoint that turns an audio recording into a processed
// note. Errors are classified into the shared error codes so the sync
// layers can tell transient failures from permanent rejections.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/models"
)

// Config holds remote API connection configuration.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration // per-request timeout for REST calls
	UploadTimeout time.Duration // per-request timeout for synthesis uploads
}

// Client talks to the EchoNote remote API. Synthesis uploads go
// through a separate http.Client so their timeout does not constrain
// ordinary REST calls.
type Client struct {
	config       *Config
	httpClient   *http.Client
	uploadClient *http.Client
}

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	uploadTimeout := config.UploadTimeout
	if uploadTimeout == 0 {
		uploadTimeout = 5 * time.Minute
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	transport := &http.Transport{
		MaxIdleConns:       10,
		IdleConnTimeout:    30 * time.Second,
		DisableCompression: false,
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		uploadClient: &http.Client{
			Timeout:   uploadTimeout,
			Transport: transport,
		},
	}
}

// TestConnection verifies the base URL and token against the health
// endpoint. Used at sign-in before the session is persisted.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil, "health check")
}

// =====================================================
// Notes
// =====================================================

// ListNotes fetches one page of note summaries.
func (c *Client) ListNotes(ctx context.Context, q ListQuery) (*ListResult, error) {
	return c.list(ctx, "/v1/notes", q, "list notes")
}

// GetNote fetches the full server record for a note.
func (c *Client) GetNote(ctx context.Context, id string) (*NoteRecord, error) {
	var rec NoteRecord
	if err := c.doJSON(ctx, http.MethodGet, "/v1/notes/"+id, nil, &rec, "get note"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateNote pushes a locally created note. The server upserts by the
// client-minted ID, so retrying a create that already landed is safe.
func (c *Client) CreateNote(ctx context.Context, rec *NoteRecord) (*NoteRecord, error) {
	var out NoteRecord
	if err := c.doJSON(ctx, http.MethodPost, "/v1/notes", rec, &out, "create note"); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateNote pushes the fields one mutation touched. baseUpdatedAt is
// the server timestamp the client last accepted; the server answers
// 409 when its stored version has moved past it.
func (c *Client) UpdateNote(ctx context.Context, id string, fields *models.NotePayload, baseUpdatedAt int64) (*NoteRecord, error) {
	body := noteUpdateBody{NotePayload: fields, BaseUpdatedAt: baseUpdatedAt}
	var out NoteRecord
	if err := c.doJSON(ctx, http.MethodPut, "/v1/notes/"+id, body, &out, "update note"); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNote pushes a note deletion. A 404 counts as success, the
// entity is already gone server-side.
func (c *Client) DeleteNote(ctx context.Context, id string) error {
	return c.deleteEntity(ctx, "/v1/notes/"+id, "delete note")
}

// =====================================================
// Folders
// =====================================================

// ListFolders fetches one page of folder summaries.
func (c *Client) ListFolders(ctx context.Context, q ListQuery) (*ListResult, error) {
	return c.list(ctx, "/v1/folders", q, "list folders")
}

// GetFolder fetches the full server record for a folder.
func (c *Client) GetFolder(ctx context.Context, id string) (*FolderRecord, error) {
	var rec FolderRecord
	if err := c.doJSON(ctx, http.MethodGet, "/v1/folders/"+id, nil, &rec, "get folder"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateFolder pushes a locally created folder.
func (c *Client) CreateFolder(ctx context.Context, rec *FolderRecord) (*FolderRecord, error) {
	var out FolderRecord
	if err := c.doJSON(ctx, http.MethodPost, "/v1/folders", rec, &out, "create folder"); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateFolder pushes the fields one mutation touched.
func (c *Client) UpdateFolder(ctx context.Context, id string, fields *models.FolderPayload, baseUpdatedAt int64) (*FolderRecord, error) {
	body := folderUpdateBody{FolderPayload: fields, BaseUpdatedAt: baseUpdatedAt}
	var out FolderRecord
	if err := c.doJSON(ctx, http.MethodPut, "/v1/folders/"+id, body, &out, "update folder"); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFolder pushes a folder deletion.
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.deleteEntity(ctx, "/v1/folders/"+id, "delete folder")
}

// =====================================================
// Action Items
// =====================================================

// ListActions fetches one page of action item summaries.
func (c *Client) ListActions(ctx context.Context, q ListQuery) (*ListResult, error) {
	return c.list(ctx, "/v1/actions", q, "list actions")
}

// GetAction fetches the full server record for an action item.
func (c *Client) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	var rec ActionRecord
	if err := c.doJSON(ctx, http.MethodGet, "/v1/actions/"+id, nil, &rec, "get action"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateAction pushes a locally created action item.
func (c *Client) CreateAction(ctx context.Context, rec *ActionRecord) (*ActionRecord, error) {
	var out ActionRecord
	if err := c.doJSON(ctx, http.MethodPost, "/v1/actions", rec, &out, "create action"); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAction pushes the fields one mutation touched.
func (c *Client) UpdateAction(ctx context.Context, id string, fields *models.ActionPayload, baseUpdatedAt int64) (*ActionRecord, error) {
	body := actionUpdateBody{ActionPayload: fields, BaseUpdatedAt: baseUpdatedAt}
	var out ActionRecord
	if err := c.doJSON(ctx, http.MethodPut, "/v1/actions/"+id, body, &out, "update action"); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAction pushes an action item deletion.
func (c *Client) DeleteAction(ctx context.Context, id string) error {
	return c.deleteEntity(ctx, "/v1/actions/"+id, "delete action")
}

// =====================================================
// Synthesis
// =====================================================

// SynthesisRequest is the input to the synthesis endpoint. At least
// one of Text and Audio must be set. Progress, when non-nil, receives
// the bytes shipped so far as the transport consumes the body.
type SynthesisRequest struct {
	NoteID   string
	Text     string
	Audio    io.Reader
	Filename string
	Progress func(sent, total int64)
}

// Synthesize uploads a recording and/or transcript text for a note and
// returns the processed record with its extracted action items.
func (c *Client) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if req.Text != "" {
		if err := w.WriteField("text", req.Text); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "synthesis request build failed", err)
		}
	}
	if req.Audio != nil {
		filename := req.Filename
		if filename == "" {
			filename = "audio"
		}
		part, err := w.CreateFormFile("audio", filename)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "synthesis request build failed", err)
		}
		if _, err := io.Copy(part, req.Audio); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "synthesis audio read failed", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "synthesis request build failed", err)
	}

	total := int64(buf.Len())
	body := &progressReader{r: &buf, total: total, progress: req.Progress}

	httpReq, err := c.createRequest(ctx, http.MethodPost, "/v1/notes/"+req.NoteID+"/synthesize", body, w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = total

	resp, err := c.uploadClient.Do(httpReq)
	if err != nil {
		return nil, transportError("synthesis", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp, "synthesis"); err != nil {
		return nil, err
	}

	var result SynthesisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrServer, "synthesis response parse failed", err)
	}
	return &result, nil
}

// =====================================================
// Request plumbing
// =====================================================

// createRequest creates an authenticated request against the base URL.
func (c *Client) createRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "request build failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// doJSON executes one JSON round trip. in and out may be nil for
// body-less requests and responses.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}, op string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, op+" request encode failed", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.createRequest(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp, op); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrServer, op+" response parse failed", err)
	}
	return nil
}

// list executes a paged collection request.
func (c *Client) list(ctx context.Context, path string, q ListQuery, op string) (*ListResult, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("per_page", strconv.Itoa(q.PerPage))

	var result ListResult
	if err := c.doJSON(ctx, http.MethodGet, path+"?"+params.Encode(), nil, &result, op); err != nil {
		return nil, err
	}
	return &result, nil
}

// deleteEntity executes an entity deletion, treating 404 as success.
func (c *Client) deleteEntity(ctx context.Context, path, op string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkResponse(resp, op)
}

// checkResponse maps a non-2xx response to a classified error carrying
// the status and a body excerpt.
func (c *Client) checkResponse(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	return apperrors.New(codeForStatus(resp.StatusCode), msg)
}

// codeForStatus classifies an HTTP status into the shared error codes.
// 409 is the push-acknowledgment divergence signal.
func codeForStatus(status int) apperrors.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ErrAuth
	case status == http.StatusNotFound:
		return apperrors.ErrNotFound
	case status == http.StatusConflict:
		return apperrors.ErrSyncConflict
	case status == http.StatusTooManyRequests:
		return apperrors.ErrRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperrors.ErrValidation
	default:
		return apperrors.ErrServer
	}
}

// transportError classifies a request execution failure. Timeouts get
// their own code; everything else at this layer is a network error.
func transportError(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperrors.Wrap(apperrors.ErrTimeout, op+" timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, op+" request failed", err)
}

// progressReader reports bytes consumed by the transport as it reads
// the request body.
type progressReader struct {
	r        io.Reader
	total    int64
	sent     int64
	progress func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil {
			p.progress(p.sent, p.total)
		}
	}
	return n, err
}
