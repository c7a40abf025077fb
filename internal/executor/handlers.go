package executor

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxFetchBody caps the response body returned by the fetch handler.
const MaxFetchBody = 5000

func echoTask(_ context.Context, payload json.RawMessage) (any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	return payload, nil
}

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

func hashTask(_ context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Data string `json:"data"`
		Algo string `json:"algo"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Algo == "" {
		p.Algo = "sha256"
	}
	newHash, ok := hashes[p.Algo]
	if !ok {
		return nil, fmt.Errorf("unknown algo: %s", p.Algo)
	}
	h := newHash()
	h.Write([]byte(p.Data))
	return map[string]string{"hash": hex.EncodeToString(h.Sum(nil)), "algo": p.Algo}, nil
}

func sleepTask(ctx context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		Seconds float64 `json:"seconds"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	d := time.Duration(p.Seconds * float64(time.Second))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return map[string]float64{"slept": p.Seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var fetchClient = &http.Client{Timeout: 30 * time.Second}

func fetchTask(ctx context.Context, payload json.RawMessage) (any, error) {
	var p struct {
		URL    string          `json:"url"`
		Method string          `json:"method"`
		Body   json.RawMessage `json:"body"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	method := strings.ToUpper(p.Method)
	var body io.Reader
	switch method {
	case "", http.MethodGet:
		method = http.MethodGet
	case http.MethodPost:
		if len(p.Body) == 0 {
			p.Body = json.RawMessage("{}")
		}
		body = strings.NewReader(string(p.Body))
	default:
		return nil, fmt.Errorf("unknown method: %s", p.Method)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBody))
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"body":    string(data),
		"headers": headers,
	}, nil
}
