// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package request provides utilities for making HTTP requests.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/dealfeed/internal/version"
)

// DefaultClient is a [http.Client] with nice defaults.
var DefaultClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Params defines the parameters needed for making an HTTP request.
type Params struct {
	// Method is the HTTP method (GET, POST, etc.) for the request.
	Method string
	// URL is the target URL of the request.
	URL string
	// Headers is a map of key-value pairs for additional request headers.
	Headers map[string]string
	// Body is any data to be sent in the request body. []byte, string and
	// [json.RawMessage] values are sent as-is, everything else is marshaled to
	// JSON.
	Body any
	// WantStatusCode is the status code the response must have. If zero,
	// [http.StatusOK] is expected.
	WantStatusCode int
	// HTTPClient is an optional custom HTTP client object to use for the
	// request. If not provided, [DefaultClient] will be used.
	HTTPClient *http.Client
	// Scrubber is an optional strings.Replacer that scrubs unwanted data from
	// error messages.
	Scrubber *strings.Replacer
}

// IgnoreResponse is a sentinel type for [Make] indicating the response body
// should be discarded.
type IgnoreResponse struct{}

// Bytes is a sentinel type for [Make] indicating the raw response body should
// be returned without unmarshaling.
type Bytes = []byte

// StatusError is returned by [Make] when the response status code doesn't
// match the expected one. It retains the response body, so callers can
// inspect the failure.
type StatusError struct {
	// StatusCode is the status code of the response.
	StatusCode int
	// Body is the response body.
	Body []byte

	wantStatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("want %d, got %d: %s", e.wantStatusCode, e.StatusCode, e.Body)
}

type scrubbedError struct {
	err      error
	scrubber *strings.Replacer
}

func (se *scrubbedError) Error() string {
	if se.scrubber != nil {
		return se.scrubber.Replace(se.err.Error())
	}
	return se.err.Error()
}

func (se *scrubbedError) Unwrap() error { return se.err }

func scrubErr(err error, scrubber *strings.Replacer) error {
	return &scrubbedError{err: err, scrubber: scrubber}
}

// Make makes an HTTP request with the provided parameters and unmarshals the
// JSON response body into the specified type. Pass [IgnoreResponse] to
// discard the response body, or [Bytes] to obtain it raw.
func Make[Response any](ctx context.Context, p Params) (Response, error) {
	var resp Response

	var data []byte
	switch b := p.Body.(type) {
	case nil:
	case []byte:
		data = b
	case json.RawMessage:
		data = b
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(p.Body)
		if err != nil {
			return resp, scrubErr(err, p.Scrubber)
		}
	}

	var br io.Reader
	if data != nil {
		br = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, br)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if data != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	httpc := DefaultClient
	if p.HTTPClient != nil {
		httpc = p.HTTPClient
	}

	res, err := httpc.Do(req)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	wantStatusCode := p.WantStatusCode
	if wantStatusCode == 0 {
		wantStatusCode = http.StatusOK
	}
	if res.StatusCode != wantStatusCode {
		return resp, scrubErr(&StatusError{
			StatusCode:     res.StatusCode,
			Body:           b,
			wantStatusCode: wantStatusCode,
		}, p.Scrubber)
	}

	switch any(resp).(type) {
	case IgnoreResponse:
		return resp, nil
	case Bytes:
		return any(b).(Response), nil
	}

	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, scrubErr(err, p.Scrubber)
	}

	return resp, nil
}
