package tunnel

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpClientTimeout bounds a single proxied HTTP request to the local
// server. The tunnel recv-inactivity timeout (45s) is the outer bound on
// the whole session; this is the inner bound on one hop.
const httpClientTimeout = 30 * time.Second

// proxyHTTP builds http://localhost:{port}{uri}, replays the request's
// headers and body (minus hop-by-hop headers), and returns an
// httpResponseFrame ready to send back. Errors reaching the local server are
// mapped to a 502 with a plain-text base64 body, per spec.
func proxyHTTP(port int, frame httpRequestFrame) httpResponseFrame {
	var body io.Reader
	if frame.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(frame.Body)
		if err != nil {
			// Fall back to raw bytes on decode failure.
			decoded = []byte(frame.Body)
		}
		body = bytes.NewReader(decoded)
	}

	target := fmt.Sprintf("http://localhost:%d%s", port, frame.URI)
	req, err := http.NewRequest(frame.Method, target, body)
	if err != nil {
		return errorResponse(frame.RequestID, err)
	}
	for k, v := range frame.Headers {
		if hopByHopHeaders[lowerHeader(k)] {
			continue
		}
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: httpClientTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return errorResponse(frame.RequestID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(frame.RequestID, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		if hopByHopHeaders[lowerHeader(k)] {
			continue
		}
		headers[k] = resp.Header.Get(k)
	}

	return httpResponseFrame{
		Type:      TypeHTTPResponse,
		RequestID: frame.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      base64.StdEncoding.EncodeToString(respBody),
	}
}

func errorResponse(requestID string, err error) httpResponseFrame {
	return httpResponseFrame{
		Type:      TypeHTTPResponse,
		RequestID: requestID,
		Status:    http.StatusBadGateway,
		Headers:   map[string]string{"content-type": "text/plain; charset=utf-8"},
		Body:      base64.StdEncoding.EncodeToString([]byte(err.Error())),
	}
}

func lowerHeader(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
