// Package scanner runs vulnerability scans against built store paths.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// ErrUnavailable indicates a transient scanner failure: the scan could not
// run at all. The derivation stays in its scan-pending status so the
// reclaimer can recycle it, rather than being marked failed.
var ErrUnavailable = errors.New("scanner unavailable")

// Finding is one vulnerability hit in a scanned closure.
type Finding struct {
	Pname   string `json:"pname"`
	Version string `json:"version"`
	CVE     string `json:"cve"`
}

// Result is the outcome of a completed scan.
type Result struct {
	Clean    bool      `json:"clean"`
	Findings []Finding `json:"findings,omitempty"`
}

// Scanner scans a store path's closure for known vulnerabilities.
type Scanner interface {
	Scan(ctx context.Context, storePath string) (*Result, error)
}

// VulnixScanner invokes the vulnix CLI against a store path.
type VulnixScanner struct {
	binary string
	logger *slog.Logger
}

// NewVulnixScanner creates a vulnix-backed scanner.
func NewVulnixScanner(logger *slog.Logger) *VulnixScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &VulnixScanner{
		binary: "vulnix",
		logger: logger,
	}
}

// vulnixItem is one entry of vulnix's JSON report.
type vulnixItem struct {
	Pname       string   `json:"pname"`
	Version     string   `json:"version"`
	AffectedBy  []string `json:"affected_by"`
	Whitelisted []string `json:"whitelisted"`
}

// Scan runs vulnix. Exit code 0 means clean, 2 means vulnerabilities were
// found; anything else is treated as a transient failure.
func (s *VulnixScanner) Scan(ctx context.Context, storePath string) (*Result, error) {
	cmd := exec.CommandContext(ctx, s.binary, "--json", storePath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("%w: running vulnix: %v", ErrUnavailable, err)
		}
	}

	switch exitCode {
	case 0:
		return &Result{Clean: true}, nil
	case 2:
		findings, parseErr := parseFindings(stdout.Bytes())
		if parseErr != nil {
			return nil, fmt.Errorf("%w: parsing vulnix report: %v", ErrUnavailable, parseErr)
		}
		return &Result{Clean: false, Findings: findings}, nil
	default:
		return nil, fmt.Errorf("%w: vulnix exited %d: %s", ErrUnavailable, exitCode, stderr.String())
	}
}

func parseFindings(report []byte) ([]Finding, error) {
	var items []vulnixItem
	if err := json.Unmarshal(report, &items); err != nil {
		return nil, err
	}

	var findings []Finding
	for _, item := range items {
		for _, cve := range item.AffectedBy {
			findings = append(findings, Finding{
				Pname:   item.Pname,
				Version: item.Version,
				CVE:     cve,
			})
		}
	}
	return findings, nil
}

// FormatFindings renders findings for the derivation's error_message.
func FormatFindings(findings []Finding) string {
	var buf bytes.Buffer
	for i, f := range findings {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s-%s: %s", f.Pname, f.Version, f.CVE)
	}
	return buf.String()
}
