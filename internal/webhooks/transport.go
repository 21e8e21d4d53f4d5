package webhooks

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"payverify/internal/store"
)

// Transport performs one outbound POST. Implementations must honour timeout
// and return a Response for any HTTP status, reserving errors for requests
// that produced no response.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string, timeout time.Duration) (Response, error)
}

type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPTransport posts with net/http. Redirects are not followed.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string, timeout time.Duration) (Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	// a body read error after the status line still counts as a response
	b, _ := io.ReadAll(io.LimitReader(resp.Body, store.ResponseBodyLimit))
	return Response{StatusCode: resp.StatusCode, Body: b}, nil
}
