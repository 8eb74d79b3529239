package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

//go:generate mockgen -package mocks -destination mocks/transport.go . Transport

// InitRequest carries the context-derivation salt and the fixed tuning
// parameters for building the hasher's per-challenge context.
type InitRequest struct {
	ContextSalt string `json:"no_pre_mine"`
	MemoryKB    uint   `json:"memory_kb"`
	Threads     uint   `json:"threads"`
}

// Transport is the wire protocol to one hasher instance. The supervisor
// owns recovery; a transport call either succeeds or reports the raw
// failure.
type Transport interface {
	Health(ctx context.Context) error
	Init(ctx context.Context, req InitRequest) error
	HashBatch(ctx context.Context, preimages []string) ([]string, error)
}

type httpTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport talks to a hasher listening on a local port.
func NewHTTPTransport(port uint16) Transport {
	return &httpTransport{
		base: fmt.Sprintf("http://127.0.0.1:%d", port),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (t *httpTransport) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) Init(ctx context.Context, initReq InitRequest) error {
	var resp struct {
		Ready bool `json:"ready"`
	}
	if err := t.post(ctx, "/init", initReq, &resp); err != nil {
		return err
	}
	if !resp.Ready {
		return errors.New("hasher did not acknowledge context init")
	}
	return nil
}

func (t *httpTransport) HashBatch(ctx context.Context, preimages []string) ([]string, error) {
	req := struct {
		Preimages []string `json:"preimages"`
	}{Preimages: preimages}
	var resp struct {
		Hashes []string `json:"hashes"`
	}
	if err := t.post(ctx, "/hash-batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Hashes, nil
}

func (t *httpTransport) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// isConnDead classifies transport failures that indicate the hasher
// process died under the call (refused, reset or closed connection).
// Such failures are recoverable with a one-shot restart.
func isConnDead(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "use of closed network connection")
}
