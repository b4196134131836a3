package voiceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/MrWong99/voicerelay/pkg/protocol"
)

var nonceMeta = regexp.MustCompile(`<meta name="session-nonce" content="([^"]+)">`)

// FetchToken obtains a session token from the relay at baseURL
// (e.g. "http://localhost:8081"). It loads the index page first and, when the
// page carries a session nonce, presents it to the session endpoint the way a
// browser would.
func FetchToken(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	nonce, err := fetchNonce(ctx, client, baseURL+"/")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+protocol.SessionPath, nil)
	if err != nil {
		return "", fmt.Errorf("voiceclient: session request: %w", err)
	}
	if nonce != "" {
		req.Header.Set(protocol.NonceHeader, nonce)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("voiceclient: session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("voiceclient: session request: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("voiceclient: decode session response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("voiceclient: session response has no token")
	}
	return out.Token, nil
}

// fetchNonce returns the nonce embedded in the index page, or "" when the
// page is missing or has none.
func fetchNonce(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("voiceclient: index request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("voiceclient: index request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("voiceclient: read index: %w", err)
	}
	if m := nonceMeta.FindSubmatch(page); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}
