package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mtehrani/payment-service/internal/payerr"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 30 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// postJSON sends a JSON body and decodes a JSON response. Network-level
// failures come back as retryable GatewayErrors so the caller can
// distinguish them from provider-reported business errors.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}, out interface{}) error {
	return postJSONBasicAuth(ctx, client, url, "", "", headers, body, out)
}

func postJSONBasicAuth(ctx context.Context, client *http.Client, url, user, pass string, headers map[string]string, body interface{}, out interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return &payerr.GatewayError{Code: "ENCODE_ERROR", Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return &payerr.GatewayError{Code: "REQUEST_ERROR", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyNetErr(err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &payerr.GatewayError{
			Code:      http.StatusText(resp.StatusCode),
			Message:   string(data),
			Retryable: true,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &payerr.GatewayError{Code: "UNEXPECTED_FORMAT", Message: err.Error()}
	}
	return nil
}

func classifyNetErr(err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	code := "REQUEST_ERROR"
	if timeout {
		code = "TIMEOUT"
	}
	return &payerr.GatewayError{Code: code, Message: err.Error(), Retryable: true}
}
