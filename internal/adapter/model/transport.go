package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// httpBackend holds the HTTP plumbing shared by the JSON backends.
type httpBackend struct {
	client  *http.Client
	headers map[string]string
}

// post sends a JSON body. A dial-level failure is retried once immediately;
// every other failure is returned to the caller.
func (b *httpBackend) post(ctx context.Context, op, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range b.headers {
			req.Header.Set(k, v)
		}

		resp, err = b.client.Do(req)
		if err == nil {
			break
		}
		if attempt == 0 && isTransientNetwork(err) {
			continue
		}
		return nil, classifyTransport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(op, resp.StatusCode, respBody, resp.Header)
	}
	return resp, nil
}
