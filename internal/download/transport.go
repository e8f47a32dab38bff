package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/gemi/internal/fault"
)

// ResumeToken is opaque partial-transfer state. Only the Transport that
// produced a token interprets it; the Downloader just stores it.
type ResumeToken []byte

// Transfer is an open file body positioned at Offset.
type Transfer struct {
	Body   io.ReadCloser
	Offset int64 // bytes of the file that precede Body
	Size   int64 // full file size, or -1 when unknown

	// Resume returns a token that continues the transfer after written
	// bytes of Body have been persisted.
	Resume func(written int64) ResumeToken
}

// Transport opens file transfers, optionally continuing from a token.
// A nil or unusable token starts from the beginning of the file.
type Transport interface {
	Open(ctx context.Context, url string, token ResumeToken) (*Transfer, error)
}

// Credentials supplies an optional bearer token for authenticated hosts.
type Credentials interface {
	Token() (string, bool)
}

// HTTPTransport fetches files with ranged GET requests. Its resume tokens
// carry the byte offset and the validator (ETag or Last-Modified) of the
// representation, so a changed file restarts instead of splicing.
type HTTPTransport struct {
	client *http.Client
	creds  Credentials
	agent  string
}

// NewHTTPTransport returns a transport using client, or one with dial, TLS
// and response-header timeouts when client is nil. The client must not set
// an overall Timeout: bodies of large files take as long as they take, and
// stalls are caught by the downloader. creds may be nil.
func NewHTTPTransport(client *http.Client, creds Credentials) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &HTTPTransport{client: client, creds: creds, agent: "gemi"}
}

type httpToken struct {
	URL       string `json:"url"`
	Offset    int64  `json:"offset"`
	Validator string `json:"validator,omitempty"`
	Size      int64  `json:"size"`
}

func (t *HTTPTransport) Open(ctx context.Context, url string, token ResumeToken) (*Transfer, error) {
	var tok httpToken
	if len(token) > 0 {
		if err := json.Unmarshal(token, &tok); err != nil || tok.URL != url {
			tok = httpToken{}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", t.agent)
	if t.creds != nil {
		if bearer, ok := t.creds.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
	}
	if tok.Offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(tok.Offset, 10)+"-")
		if tok.Validator != "" {
			req.Header.Set("If-Range", tok.Validator)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}

	validator := resp.Header.Get("ETag")
	if validator == "" || strings.HasPrefix(validator, "W/") {
		validator = resp.Header.Get("Last-Modified")
	}

	var offset, size int64
	switch resp.StatusCode {
	case http.StatusOK:
		offset, size = 0, resp.ContentLength
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != tok.Offset {
			resp.Body.Close()
			return nil, &fault.Error{Kind: fault.Network, Transient: true, Op: "resume",
				Err: fmt.Errorf("unexpected Content-Range %q", resp.Header.Get("Content-Range"))}
		}
		offset, size = start, total
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		// The offset is past the end; the stored token is stale.
		if tok.Size > 0 && tok.Offset == tok.Size {
			return &Transfer{Body: io.NopCloser(strings.NewReader("")), Offset: tok.Offset, Size: tok.Size,
				Resume: func(int64) ResumeToken { return token }}, nil
		}
		return t.Open(ctx, url, nil)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &fault.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if size < 0 {
		size = -1
	}

	return &Transfer{
		Body:   resp.Body,
		Offset: offset,
		Size:   size,
		Resume: func(written int64) ResumeToken {
			b, _ := json.Marshal(httpToken{URL: url, Offset: offset + written, Validator: validator, Size: size})
			return b
		},
	}, nil
}

// parseContentRange parses "bytes start-end/total". total is -1 for "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, tot, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if tot == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(tot, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
