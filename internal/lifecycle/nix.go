package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
)

// EvalResult holds the outcome of resolving a derivation's build plan.
type EvalResult struct {
	Path     string
	Pname    string
	Version  string
	Duration time.Duration
}

// Evaluator resolves a flake reference to a concrete derivation path
// without building it.
type Evaluator interface {
	Evaluate(ctx context.Context, flakeRef string) (*EvalResult, error)
}

// Builder realizes a flake reference and returns the built store path.
type Builder interface {
	Build(ctx context.Context, flakeRef string) (string, error)
}

// NixCLI implements Evaluator and Builder by shelling out to nix.
type NixCLI struct {
	logger *slog.Logger
}

// NewNixCLI creates a nix CLI evaluator/builder.
func NewNixCLI(logger *slog.Logger) *NixCLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &NixCLI{logger: logger}
}

// Evaluate resolves the derivation path for a flake reference via
// `nix path-info --derivation`, which evaluates without building.
func (n *NixCLI) Evaluate(ctx context.Context, flakeRef string) (*EvalResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "nix", "path-info", "--derivation", flakeRef)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nix evaluation failed: %w\nStderr: %s", err, stderr.String())
	}

	path := strings.TrimSpace(stdout.String())
	if path == "" {
		return nil, fmt.Errorf("nix evaluation produced no derivation path for %s", flakeRef)
	}

	pname, version := parseNameVersion(path)

	return &EvalResult{
		Path:     path,
		Pname:    pname,
		Version:  version,
		Duration: time.Since(start),
	}, nil
}

// Build realizes the flake reference and returns the out path.
func (n *NixCLI) Build(ctx context.Context, flakeRef string) (string, error) {
	n.logger.Info("starting nix build", "flake_ref", flakeRef)
	start := time.Now()

	cmd := exec.CommandContext(ctx, "nix", "build", "--no-link", "--print-out-paths", flakeRef)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("nix build failed: %w\nStderr: %s", err, stderr.String())
	}

	// Multi-output derivations print one path per line; the first is the
	// default output.
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	outPath := strings.TrimSpace(lines[0])
	if outPath == "" {
		return "", fmt.Errorf("nix build produced no out path for %s", flakeRef)
	}

	n.logger.Info("nix build finished",
		"flake_ref", flakeRef,
		"out_path", outPath,
		"duration", time.Since(start),
	)

	return outPath, nil
}

// FlakeRef builds the nix installable reference for a derivation given its
// flake's repo URL and commit hash.
func FlakeRef(repoURL, commitHash string, d *models.Derivation) string {
	base := fmt.Sprintf("git+%s?rev=%s", repoURL, commitHash)
	if d.Type == models.DerivationTypeNixOS {
		return fmt.Sprintf("%s#nixosConfigurations.%s.config.system.build.toplevel", base, d.Name)
	}
	return fmt.Sprintf("%s#%s", base, d.Name)
}

var nameVersionRe = regexp.MustCompile(`^(.+?)-([0-9][0-9a-zA-Z.+_-]*?)(\.drv)?$`)

// parseNameVersion splits a store path's name part into pname and version.
// Paths without a version component yield an empty version.
func parseNameVersion(storePath string) (string, string) {
	name := storePath
	if idx := strings.LastIndex(storePath, "/"); idx >= 0 {
		name = storePath[idx+1:]
	}
	// Strip the 32-char store hash prefix.
	if idx := strings.Index(name, "-"); idx == 32 {
		name = name[idx+1:]
	}

	m := nameVersionRe.FindStringSubmatch(name)
	if m == nil {
		return strings.TrimSuffix(name, ".drv"), ""
	}
	return m[1], m[2]
}
