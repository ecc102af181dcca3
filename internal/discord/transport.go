package discord

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClient returns an *http.Client whose requests share route's bucket and
// retry policy. Non-2xx responses are passed through untouched so callers such
// as golang.org/x/oauth2 can parse their own error bodies. The bot credential
// is never attached.
func (c *Client) HTTPClient(route RouteClass) *http.Client {
	return &http.Client{
		Transport: &routeTransport{client: c, route: route},
	}
}

type routeTransport struct {
	client *Client
	route  RouteClass
}

func (t *routeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("discord: reading request body: %w", err)
		}
	}

	header := r.Header.Clone()
	authorization := header.Get("Authorization")
	header.Del("Authorization")

	resp, err := t.client.execute(r.Context(), Request{
		Route:         t.route,
		Method:        r.Method,
		URL:           r.URL.String(),
		Body:          body,
		Header:        header,
		Authorization: authorization,
		SkipBotAuth:   true,
	})
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(http.StatusText(resp.StatusCode))),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}
