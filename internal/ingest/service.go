// Package ingest turns webhook deliveries and evaluator output into store
// rows for the pipeline to pick up.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/internal/store/postgres"
)

// ErrInvalidPayload indicates a rejected ingestion request. Nothing was
// written to the store.
var ErrInvalidPayload = errors.New("invalid ingestion payload")

// Service ingests commits and derivation graphs.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates an ingestion service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// IngestCommit records a pushed commit. The flake is found or created by
// repo URL; re-ingesting a known (flake, hash) pair increments the commit's
// attempt count instead of creating a duplicate row. Returns the commit and
// whether it was newly created.
func (s *Service) IngestCommit(ctx context.Context, repoURL, commitHash string, committedAt time.Time) (*models.Commit, bool, error) {
	repoURL = strings.TrimSpace(repoURL)
	commitHash = strings.TrimSpace(commitHash)

	if err := validateRepoURL(repoURL); err != nil {
		return nil, false, err
	}
	if err := validateCommitHash(commitHash); err != nil {
		return nil, false, err
	}
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}

	var (
		commit  *models.Commit
		created bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		flake, err := tx.Flakes().GetByRepoURL(ctx, repoURL)
		if errors.Is(err, postgres.ErrNotFound) {
			flake = &models.Flake{
				ID:      uuid.New().String(),
				Name:    flakeNameFromURL(repoURL),
				RepoURL: repoURL,
			}
			if err := tx.Flakes().Create(ctx, flake); err != nil {
				return fmt.Errorf("failed to create flake: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to look up flake: %w", err)
		}

		commit = &models.Commit{
			ID:              uuid.New().String(),
			FlakeID:         flake.ID,
			GitCommitHash:   commitHash,
			CommitTimestamp: committedAt,
		}
		created, err = tx.Commits().Upsert(ctx, commit)
		if err != nil {
			return fmt.Errorf("failed to upsert commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("commit ingested",
		"repo_url", repoURL,
		"commit", commit.ShortHash(),
		"created", created,
		"attempt_count", commit.AttemptCount,
	)
	return commit, created, nil
}

// GraphNode is one derivation of an evaluator-supplied graph. DependsOn
// names the package derivations a nixos node needs built first.
type GraphNode struct {
	Type      models.DerivationType `json:"derivation_type"`
	Name      string                `json:"derivation_name"`
	DependsOn []string              `json:"depends_on,omitempty"`
}

// RegisterGraph writes a commit's derivation graph in one transaction. Every
// node starts in pending; dependency edges may only point from a nixos root
// to a package node in the same graph.
func (s *Service) RegisterGraph(ctx context.Context, commitID string, nodes []GraphNode) ([]*models.Derivation, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty derivation graph", ErrInvalidPayload)
	}

	byName := make(map[string]*models.Derivation, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("%w: derivation with empty name", ErrInvalidPayload)
		}
		if n.Type != models.DerivationTypeNixOS && n.Type != models.DerivationTypePackage {
			return nil, fmt.Errorf("%w: unknown derivation type %q", ErrInvalidPayload, n.Type)
		}
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate derivation name %q", ErrInvalidPayload, n.Name)
		}
		byName[n.Name] = &models.Derivation{
			ID:       uuid.New().String(),
			CommitID: commitID,
			Type:     n.Type,
			Name:     n.Name,
			Status:   models.StatusPending,
		}
	}
	for _, n := range nodes {
		if len(n.DependsOn) > 0 && n.Type != models.DerivationTypeNixOS {
			return nil, fmt.Errorf("%w: package derivation %q cannot have dependencies", ErrInvalidPayload, n.Name)
		}
		for _, dep := range n.DependsOn {
			target, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: dependency %q of %q not in graph", ErrInvalidPayload, dep, n.Name)
			}
			if target.Type != models.DerivationTypePackage {
				return nil, fmt.Errorf("%w: dependency %q of %q is not a package", ErrInvalidPayload, dep, n.Name)
			}
		}
	}

	var out []*models.Derivation
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.Commits().Get(ctx, commitID); err != nil {
			return fmt.Errorf("failed to load commit %s: %w", commitID, err)
		}

		for _, n := range nodes {
			d := byName[n.Name]
			if err := tx.Derivations().Create(ctx, d); err != nil {
				return fmt.Errorf("failed to create derivation %q: %w", n.Name, err)
			}
			out = append(out, d)
		}
		for _, n := range nodes {
			for _, dep := range n.DependsOn {
				if err := tx.Derivations().CreateDependency(ctx, byName[n.Name].ID, byName[dep].ID); err != nil {
					return fmt.Errorf("failed to create dependency %q -> %q: %w", n.Name, dep, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("derivation graph registered",
		"commit_id", commitID,
		"derivations", len(out),
	)
	return out, nil
}

func validateRepoURL(repoURL string) error {
	if repoURL == "" {
		return fmt.Errorf("%w: missing repository URL", ErrInvalidPayload)
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: malformed repository URL %q", ErrInvalidPayload, repoURL)
	}
	return nil
}

func validateCommitHash(hash string) error {
	if len(hash) != 40 {
		return fmt.Errorf("%w: commit hash must be 40 hex characters", ErrInvalidPayload)
	}
	for _, c := range hash {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("%w: commit hash must be 40 hex characters", ErrInvalidPayload)
		}
	}
	return nil
}

// flakeNameFromURL derives a display name from the repo URL's last path
// segment, stripping a .git suffix.
func flakeNameFromURL(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	name := segs[len(segs)-1]
	name = strings.TrimSuffix(name, ".git")
	if name == "" {
		return u.Host
	}
	return name
}
