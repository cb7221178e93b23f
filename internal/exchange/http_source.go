package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.36"

// maxBodySize caps how much of a ticker response is read.
const maxBodySize = 1 << 20

// HTTPSource fetches a price from a public JSON ticker endpoint.
type HTTPSource struct {
	def    Definition
	client *http.Client
}

// NewHTTPSource creates a source for def. A nil client uses http.DefaultClient.
func NewHTTPSource(def Definition, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{def: def, client: client}
}

// ID returns the venue name.
func (s *HTTPSource) ID() string {
	return s.def.Name
}

// Fetch performs one GET and extracts the price.
func (s *HTTPSource) Fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.def.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", s.def.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("get %s: status %d", s.def.Name, resp.StatusCode)
	}

	// Some venues answer with text/plain; the body is JSON either way.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, fmt.Errorf("read %s body: %w", s.def.Name, err)
	}

	return s.def.Extract(body)
}

// Extract decodes body and returns the price found at the definition's path.
func (d Definition) Extract(body []byte) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return 0, fmt.Errorf("%s: decode: %w", d.Name, err)
	}

	if d.Check != nil && !d.Check(root) {
		return 0, fmt.Errorf("%s: %w", d.Name, ErrUpstream)
	}

	value, ok := lookup(root, d.Path...)
	if !ok {
		return 0, fmt.Errorf("%s: %w: no value at %v", d.Name, ErrUnexpectedResponse, d.Path)
	}

	price, err := toFloat(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.Name, err)
	}
	return price, nil
}

// lookup walks path through decoded JSON. Strings index objects, ints index arrays.
func lookup(node any, path ...any) (any, bool) {
	for _, step := range path {
		switch key := step.(type) {
		case string:
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, false
			}
			if node, ok = obj[key]; !ok {
				return nil, false
			}
		case int:
			arr, ok := node.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return nil, false
			}
			node = arr[key]
		default:
			return nil, false
		}
	}
	return node, true
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: price %q", ErrUnexpectedResponse, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: price of type %T", ErrUnexpectedResponse, v)
	}
}

// fieldEquals accepts bodies whose value at path prints as want.
// Venues disagree on whether status codes are strings, numbers or booleans.
func fieldEquals(want string, path ...any) func(any) bool {
	return func(body any) bool {
		v, ok := lookup(body, path...)
		if !ok {
			return false
		}
		return fmt.Sprint(v) == want
	}
}

// emptyList accepts bodies whose value at path is an empty array.
func emptyList(path ...any) func(any) bool {
	return func(body any) bool {
		v, ok := lookup(body, path...)
		if !ok {
			return false
		}
		arr, ok := v.([]any)
		return ok && len(arr) == 0
	}
}
