package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/genpipe/internal/job"
)

type httpAdapter struct {
	endpoint string
	client   *http.Client
}

type httpSubmitResponse struct {
	ID string `json:"id"`
}

type httpResultResponse struct {
	Status        string `json:"status"`
	PayloadBase64 string `json:"payload_base64"`
	Error         string `json:"error"`
}

// NewHTTP returns an adapter for a REST job API rooted at endpoint:
// POST /v1/jobs submits, GET /v1/jobs/{id} polls, DELETE /v1/jobs/{id} cancels.
func NewHTTP(endpoint string, timeout time.Duration) Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *httpAdapter) Submit(ctx context.Context, req job.Request) (Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", job.ErrInvalidRequest, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out httpSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("provider returned empty job id")
	}
	return Handle(out.ID), nil
}

func (h *httpAdapter) FetchResult(ctx context.Context, handle Handle) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.jobURL(handle), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{Status: StatusError, Err: fmt.Errorf("provider lost job %q", handle)}, nil
	}
	if err := checkStatus(resp); err != nil {
		return Result{}, err
	}

	var out httpResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode result response: %w", err)
	}
	switch Status(out.Status) {
	case StatusPending:
		return Result{Status: StatusPending}, nil
	case StatusDone:
		payload, err := base64.StdEncoding.DecodeString(out.PayloadBase64)
		if err != nil {
			return Result{}, fmt.Errorf("decode provider payload: %w", err)
		}
		return Result{Status: StatusDone, Payload: payload}, nil
	case StatusError:
		msg := out.Error
		if msg == "" {
			msg = "provider reported error"
		}
		return Result{Status: StatusError, Err: errors.New(msg)}, nil
	default:
		return Result{}, fmt.Errorf("unknown provider status %q", out.Status)
	}
}

func (h *httpAdapter) Cancel(ctx context.Context, handle Handle) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.jobURL(handle), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(resp)
}

func (h *httpAdapter) jobURL(handle Handle) string {
	return h.endpoint + "/v1/jobs/" + url.PathEscape(string(handle))
}

// checkStatus maps 4xx responses to ErrRejected and anything else non-2xx to a
// plain error the coordinator treats as transient.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("provider status %d: %s", resp.StatusCode, msg)
}
