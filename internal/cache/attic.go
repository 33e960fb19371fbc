// Package cache provides binary cache push for completed builds. Pushes are
// strictly advisory to pipeline progress: they run out-of-line with bounded
// retries and their failures are never escalated to the derivation.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// AtticClient pushes Nix store closures to an Attic binary cache.
type AtticClient struct {
	endpoint   string
	cacheName  string
	signingKey string
	httpClient *http.Client
	logger     *slog.Logger
}

// AtticConfig holds configuration for the Attic client.
type AtticConfig struct {
	Endpoint   string // Attic server endpoint (e.g., "https://cache.example.com")
	CacheName  string // Name of the cache to push to
	SigningKey string // Path to the signing key or the key itself
	Timeout    time.Duration
}

// DefaultAtticConfig returns an AtticConfig with sensible defaults.
func DefaultAtticConfig() *AtticConfig {
	return &AtticConfig{
		Endpoint:  "http://localhost:8080",
		CacheName: "default",
		Timeout:   5 * time.Minute,
	}
}

// NewAtticClient creates a new Attic client.
func NewAtticClient(cfg *AtticConfig, logger *slog.Logger) *AtticClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &AtticClient{
		endpoint:   cfg.Endpoint,
		cacheName:  cfg.CacheName,
		signingKey: cfg.SigningKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Push pushes a store path and its closure to the Attic cache using the
// attic CLI, which signs and uploads the dependency closure.
func (c *AtticClient) Push(ctx context.Context, storePath string) error {
	if !IsValidStorePath(storePath) {
		return fmt.Errorf("invalid store path: %s", storePath)
	}

	c.logger.Debug("pushing closure to Attic",
		"store_path", storePath,
		"cache", c.cacheName,
	)

	start := time.Now()

	args := []string{"push", c.cacheName, storePath}
	if c.signingKey != "" {
		args = append(args, "--signing-key", c.signingKey)
	}

	cmd := exec.CommandContext(ctx, "attic", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("attic push failed: %w\nStderr: %s", err, stderr.String())
	}

	c.logger.Info("closure pushed to Attic",
		"store_path", storePath,
		"cache", c.cacheName,
		"duration", time.Since(start),
	)

	return nil
}

// Verify checks if a store path exists in the Attic cache.
func (c *AtticClient) Verify(ctx context.Context, storePath string) (bool, error) {
	if !IsValidStorePath(storePath) {
		return false, fmt.Errorf("invalid store path: %s", storePath)
	}

	hash := extractStoreHash(storePath)
	if hash == "" {
		return false, fmt.Errorf("could not extract hash from store path: %s", storePath)
	}

	url := fmt.Sprintf("%s/api/v1/cache/%s/narinfo/%s", c.endpoint, c.cacheName, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking cache: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// IsValidStorePath reports whether the path looks like a Nix store path:
// /nix/store/<32-char hash>-<name>.
func IsValidStorePath(storePath string) bool {
	return extractStoreHash(storePath) != ""
}

// extractStoreHash extracts the hash portion from a Nix store path.
func extractStoreHash(storePath string) string {
	// Format: /nix/store/<hash>-<name>
	prefix := "/nix/store/"
	if !strings.HasPrefix(storePath, prefix) {
		return ""
	}

	remainder := strings.TrimPrefix(storePath, prefix)
	dashIdx := strings.Index(remainder, "-")
	if dashIdx != 32 || len(remainder) < 34 {
		return ""
	}

	return remainder[:dashIdx]
}
