// Package storetest provides an in-memory store.Store for tests. Transition
// keeps the conditional-claim semantics of the Postgres implementation so
// engine and reclaimer behavior can be exercised without a database.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/internal/store/postgres"
)

// MemStore is an in-memory store.Store.
type MemStore struct {
	mu sync.Mutex

	flakes      map[string]*models.Flake
	commits     map[string]*models.Commit
	derivations map[string]*models.Derivation
	deps        []models.DerivationDependency
	statuses    map[string]*models.DerivationStatus

	systems    map[string]*models.System
	states     []*models.SystemState
	heartbeats []*models.AgentHeartbeat
	nextState  int64

	// Report fixtures returned as-is by the Reports sub-store.
	ProgressRows []*models.CommitProgress
	StatusRows   []*models.SystemStatusRow
	TimelineRows []*models.TimelinePoint
	RecentRows   []*models.RecentCommit
}

// New creates an empty MemStore. Seed the status catalog before exercising
// derivation transitions or the reclaimer.
func New() *MemStore {
	return &MemStore{
		flakes:      make(map[string]*models.Flake),
		commits:     make(map[string]*models.Commit),
		derivations: make(map[string]*models.Derivation),
		statuses:    make(map[string]*models.DerivationStatus),
		systems:     make(map[string]*models.System),
	}
}

func (m *MemStore) Flakes() store.FlakeStore           { return memFlakes{m} }
func (m *MemStore) Commits() store.CommitStore         { return memCommits{m} }
func (m *MemStore) Derivations() store.DerivationStore { return memDerivations{m} }
func (m *MemStore) Statuses() store.StatusStore        { return memStatuses{m} }
func (m *MemStore) Systems() store.SystemStore         { return memSystems{m} }
func (m *MemStore) Reports() store.ReportStore         { return memReports{m} }

// WithTx runs fn against the same store. In-memory operations are already
// atomic under the mutex; rollback is not simulated.
func (m *MemStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(m)
}

func (m *MemStore) Close() error { return nil }

// Derivation returns a copy of a stored derivation for assertions.
func (m *MemStore) Derivation(id string) *models.Derivation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.derivations[id]; ok {
		cp := *d
		return &cp
	}
	return nil
}

// FlakeCount reports how many flakes exist.
func (m *MemStore) FlakeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flakes)
}

// TouchDerivation backdates a derivation's updated_at, for staleness tests.
func (m *MemStore) TouchDerivation(id string, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.derivations[id]; ok {
		d.UpdatedAt = updatedAt
	}
}

type memFlakes struct{ m *MemStore }

func (s memFlakes) Create(ctx context.Context, flake *models.Flake) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, f := range s.m.flakes {
		if f.RepoURL == flake.RepoURL {
			return postgres.ErrDuplicateKey
		}
	}
	if flake.CreatedAt.IsZero() {
		flake.CreatedAt = time.Now()
	}
	cp := *flake
	s.m.flakes[flake.ID] = &cp
	return nil
}

func (s memFlakes) Get(ctx context.Context, id string) (*models.Flake, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if f, ok := s.m.flakes[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, postgres.ErrNotFound
}

func (s memFlakes) GetByRepoURL(ctx context.Context, repoURL string) (*models.Flake, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, f := range s.m.flakes {
		if f.RepoURL == repoURL {
			cp := *f
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (s memFlakes) List(ctx context.Context) ([]*models.Flake, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*models.Flake, 0, len(s.m.flakes))
	for _, f := range s.m.flakes {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s memFlakes) Rename(ctx context.Context, id, name string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	f, ok := s.m.flakes[id]
	if !ok {
		return postgres.ErrNotFound
	}
	f.Name = name
	return nil
}

type memCommits struct{ m *MemStore }

func (s memCommits) Upsert(ctx context.Context, commit *models.Commit) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, c := range s.m.commits {
		if c.FlakeID == commit.FlakeID && c.GitCommitHash == commit.GitCommitHash {
			c.AttemptCount++
			*commit = *c
			return false, nil
		}
	}
	commit.AttemptCount = 1
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now()
	}
	cp := *commit
	s.m.commits[commit.ID] = &cp
	return true, nil
}

func (s memCommits) Get(ctx context.Context, id string) (*models.Commit, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if c, ok := s.m.commits[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, postgres.ErrNotFound
}

func (s memCommits) GetByHash(ctx context.Context, flakeID, hash string) (*models.Commit, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, c := range s.m.commits {
		if c.FlakeID == flakeID && c.GitCommitHash == hash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (s memCommits) ListByFlake(ctx context.Context, flakeID string, limit int) ([]*models.Commit, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Commit
	for _, c := range s.m.commits {
		if c.FlakeID == flakeID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommitTimestamp.After(out[j].CommitTimestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memDerivations struct{ m *MemStore }

func (s memDerivations) Create(ctx context.Context, d *models.Derivation) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	st, ok := s.m.statuses[d.Status]
	if !ok {
		return postgres.ErrNotFound
	}
	d.StatusID = st.ID
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	s.m.derivations[d.ID] = &cp
	return nil
}

func (s memDerivations) CreateDependency(ctx context.Context, derivationID, dependsOnID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, e := range s.m.deps {
		if e.DerivationID == derivationID && e.DependsOnID == dependsOnID {
			return nil
		}
	}
	s.m.deps = append(s.m.deps, models.DerivationDependency{
		DerivationID: derivationID,
		DependsOnID:  dependsOnID,
	})
	return nil
}

func (s memDerivations) Get(ctx context.Context, id string) (*models.Derivation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if d, ok := s.m.derivations[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, postgres.ErrNotFound
}

func (s memDerivations) ListByCommit(ctx context.Context, commitID string) ([]*models.Derivation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Derivation
	for _, d := range s.m.derivations {
		if d.CommitID == commitID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s memDerivations) ListByStatus(ctx context.Context, statusNames []string, limit int) ([]*models.Derivation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	want := make(map[string]struct{}, len(statusNames))
	for _, n := range statusNames {
		want[n] = struct{}{}
	}
	var out []*models.Derivation
	for _, d := range s.m.derivations {
		if _, ok := want[d.Status]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memDerivations) BuildCandidates(ctx context.Context, statusNames []string) ([]*models.BuildCandidate, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	hot := make(map[string]struct{}, len(statusNames))
	for _, n := range statusNames {
		hot[n] = struct{}{}
	}

	var out []*models.BuildCandidate
	for _, root := range s.m.derivations {
		if root.Type != models.DerivationTypeNixOS {
			continue
		}

		members := []*models.Derivation{root}
		for _, e := range s.m.deps {
			if e.DerivationID == root.ID {
				if dep, ok := s.m.derivations[e.DependsOnID]; ok {
					members = append(members, dep)
				}
			}
		}

		anyHot := false
		for _, d := range members {
			if _, ok := hot[d.Status]; ok {
				anyHot = true
				break
			}
		}
		if !anyHot {
			continue
		}

		commitTime := time.Time{}
		if c, ok := s.m.commits[root.CommitID]; ok {
			commitTime = c.CommitTimestamp
		}
		for _, d := range members {
			cp := *d
			out = append(out, &models.BuildCandidate{
				Derivation:     cp,
				RootID:         root.ID,
				RootCommitTime: commitTime,
			})
		}
	}
	return out, nil
}

func (s memDerivations) Transition(ctx context.Context, id, from, to string, patch store.TransitionPatch) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	target, ok := s.m.statuses[to]
	if !ok {
		return postgres.ErrNotFound
	}
	d, ok := s.m.derivations[id]
	if !ok || d.Status != from {
		return postgres.ErrConflict
	}

	now := time.Now()
	d.Status = to
	d.StatusID = target.ID
	d.UpdatedAt = now
	switch {
	case patch.ClearPath:
		d.Path = ""
	case patch.Path != nil:
		d.Path = *patch.Path
	}
	if patch.ErrorMessage != nil {
		d.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Pname != nil {
		d.Pname = *patch.Pname
	}
	if patch.Version != nil {
		d.Version = *patch.Version
	}
	if patch.EvalDurationMS != nil {
		d.EvalDurationMS = *patch.EvalDurationMS
	}
	if patch.SetStartedAt {
		t := now
		d.StartedAt = &t
	}
	if patch.SetCompletedAt {
		t := now
		d.CompletedAt = &t
	}
	if patch.IncrementAttempt {
		d.AttemptCount++
	}
	return nil
}

func (s memDerivations) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	pending, ok := s.m.statuses[models.StatusPending]
	if !ok {
		return 0, postgres.ErrNotFound
	}

	var n int64
	for _, d := range s.m.derivations {
		st, ok := s.m.statuses[d.Status]
		if !ok || st.IsTerminal || d.Status == models.StatusPending {
			continue
		}
		if d.UpdatedAt.Before(cutoff) {
			d.Status = models.StatusPending
			d.StatusID = pending.ID
			d.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

type memStatuses struct{ m *MemStore }

func (s memStatuses) Seed(ctx context.Context, statuses []*models.DerivationStatus) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for i, st := range statuses {
		cp := *st
		if cp.ID == 0 {
			cp.ID = i + 1
		}
		s.m.statuses[cp.Name] = &cp
	}
	return nil
}

func (s memStatuses) List(ctx context.Context) ([]*models.DerivationStatus, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*models.DerivationStatus, 0, len(s.m.statuses))
	for _, st := range s.m.statuses {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (s memStatuses) GetByName(ctx context.Context, name string) (*models.DerivationStatus, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if st, ok := s.m.statuses[name]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, postgres.ErrNotFound
}

type memSystems struct{ m *MemStore }

func (s memSystems) Upsert(ctx context.Context, system *models.System) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := time.Now()
	if existing, ok := s.m.systems[system.Hostname]; ok {
		existing.Derivation = system.Derivation
		existing.UpdatedAt = now
		return nil
	}
	cp := *system
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.m.systems[system.Hostname] = &cp
	return nil
}

func (s memSystems) Get(ctx context.Context, hostname string) (*models.System, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if sys, ok := s.m.systems[hostname]; ok {
		cp := *sys
		return &cp, nil
	}
	return nil, postgres.ErrNotFound
}

func (s memSystems) List(ctx context.Context) ([]*models.System, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*models.System, 0, len(s.m.systems))
	for _, sys := range s.m.systems {
		cp := *sys
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Hostname, out[j].Hostname) < 0 })
	return out, nil
}

func (s memSystems) AppendState(ctx context.Context, state *models.SystemState) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.nextState++
	cp := *state
	cp.ID = s.m.nextState
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.m.states = append(s.m.states, &cp)
	return cp.ID, nil
}

func (s memSystems) LatestState(ctx context.Context, hostname string) (*models.SystemState, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var latest *models.SystemState
	for _, st := range s.m.states {
		if st.Hostname != hostname {
			continue
		}
		if latest == nil || st.ID > latest.ID {
			latest = st
		}
	}
	if latest == nil {
		return nil, postgres.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s memSystems) RecordHeartbeat(ctx context.Context, hb *models.AgentHeartbeat) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *hb
	cp.ID = int64(len(s.m.heartbeats) + 1)
	s.m.heartbeats = append(s.m.heartbeats, &cp)
	return nil
}

// StateCount reports how many state events a host has.
func (m *MemStore) StateCount(hostname string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.states {
		if st.Hostname == hostname {
			n++
		}
	}
	return n
}

// HeartbeatCount reports the total number of recorded heartbeats.
func (m *MemStore) HeartbeatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heartbeats)
}

type memReports struct{ m *MemStore }

func (s memReports) CommitProgress(ctx context.Context, limit int) ([]*models.CommitProgress, error) {
	return s.m.ProgressRows, nil
}

func (s memReports) SystemStatus(ctx context.Context) ([]*models.SystemStatusRow, error) {
	return s.m.StatusRows, nil
}

func (s memReports) DeploymentTimeline(ctx context.Context, limit int) ([]*models.TimelinePoint, error) {
	return s.m.TimelineRows, nil
}

func (s memReports) RecentCommits(ctx context.Context, limit int) ([]*models.RecentCommit, error) {
	return s.m.RecentRows, nil
}
