package battle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ShayCichocki/conductor/internal/metrics"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// fakeGit records commands and tracks branches in memory.
type fakeGit struct {
	mu        sync.Mutex
	calls     []string
	branches  map[string]bool
	current   string
	failMerge map[string]bool
	failOn    string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		branches:  map[string]bool{"main": true},
		current:   "main",
		failMerge: map[string]bool{},
	}
}

func (f *fakeGit) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return fmt.Errorf("%s: exit status 128", call)
	}
	return nil
}

func (f *fakeGit) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGit) CurrentBranch(context.Context) (string, error) { return f.current, nil }

func (f *fakeGit) CreateBranch(_ context.Context, name, base string) error {
	if err := f.record("branch " + name + " " + base); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branches[name] {
		return fmt.Errorf("branch %s already exists", name)
	}
	f.branches[name] = true
	return nil
}

func (f *fakeGit) CheckoutBranch(_ context.Context, name string) error {
	if err := f.record("checkout " + name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.branches[name] {
		return fmt.Errorf("pathspec %s did not match", name)
	}
	f.current = name
	return nil
}

func (f *fakeGit) BranchExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[name], nil
}

func (f *fakeGit) DeleteBranch(_ context.Context, name string) error {
	if err := f.record("branch -D " + name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, name)
	return nil
}

func (f *fakeGit) HasChanges(context.Context) (bool, error) { return false, nil }

func (f *fakeGit) CommitAll(_ context.Context, msg string) error { return f.record("commit -a") }

func (f *fakeGit) Commit(_ context.Context, msg string) error { return f.record("commit " + msg) }

func (f *fakeGit) MergeSquash(_ context.Context, branch string) error {
	if err := f.record("merge --squash " + branch); err != nil {
		return err
	}
	if f.failMerge[branch] {
		return errors.New("CONFLICT (content): merge conflict in a.js")
	}
	return nil
}

func (f *fakeGit) AbortMerge(context.Context) error { return f.record("merge --abort") }

func (f *fakeGit) HasConflicts(context.Context) (bool, error) { return false, nil }

func (f *fakeGit) RepoPath() string { return "/repo" }

func makeSubtasks(targets ...string) []*models.Subtask {
	out := make([]*models.Subtask, len(targets))
	for i, target := range targets {
		out[i] = &models.Subtask{
			ID:     fmt.Sprintf("st-%02d", i),
			Kind:   models.SplitKindFile,
			Target: target,
			Status: models.SubtaskStatusPending,
		}
	}
	return out
}

func TestIsLargeJob(t *testing.T) {
	o := New(RequiredConfig{Git: newFakeGit()}, WithWorthyKinds("migration"))

	tests := []struct {
		name     string
		spec     *models.TaskSpec
		subtasks int
		want     bool
	}{
		{"small job", &models.TaskSpec{ID: "a", Files: []string{"x.js"}, Complexity: 1}, 5, false},
		{"subtask count", &models.TaskSpec{ID: "a"}, 100, true},
		{"file count", &models.TaskSpec{ID: "a", Files: make([]string, 10)}, 1, true},
		{"complexity", &models.TaskSpec{ID: "a", Complexity: 7.5}, 1, true},
		{"worthy kind", &models.TaskSpec{ID: "a", Kind: "migration"}, 1, true},
		{"other kind", &models.TaskSpec{ID: "a", Kind: "refactor"}, 1, false},
		{"spec threshold override", &models.TaskSpec{ID: "a", Thresholds: &models.Thresholds{MinSubtasks: 3}}, 3, true},
		{"nil spec", nil, 1000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.IsLargeJob(tt.spec, tt.subtasks); got != tt.want {
				t.Errorf("IsLargeJob = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBranchCounts(t *testing.T) {
	o := New(RequiredConfig{Git: newFakeGit()})
	tests := []struct{ n, dev int }{
		{0, 4}, {1, 4}, {16, 4}, {17, 5}, {100, 10}, {256, 16}, {10000, 16},
	}
	for _, tt := range tests {
		dev, staging := o.BranchCounts(tt.n)
		if dev != tt.dev || staging != 2 {
			t.Errorf("BranchCounts(%d) = %d, %d, want %d, 2", tt.n, dev, staging, tt.dev)
		}
	}
}

func TestStartPartition_CreatesBranchesAndReturnsToBase(t *testing.T) {
	g := newFakeGit()
	m := metrics.NewBattle(nil)
	mock := clock.NewMock()
	o := New(RequiredConfig{Git: g}, WithMetrics(m), WithClock(mock))

	subtasks := makeSubtasks("a.js", "a.js", "b.js", "c.js")
	s, err := o.StartPartition(context.Background(), "job1", subtasks, 2, 1, "")
	if err != nil {
		t.Fatalf("StartPartition failed: %v", err)
	}

	want := []string{
		"checkout main",
		"branch conductor/battle-job1-dev1 main",
		"branch conductor/battle-job1-dev2 main",
		"branch conductor/battle-job1-staging1 main",
		"checkout main",
	}
	if got := g.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("git calls =\n%v\nwant\n%v", got, want)
	}
	if g.current != "main" {
		t.Errorf("left on %s", g.current)
	}
	if s.BaseBranch != "main" || s.Strategy != StrategyFileAffinity || !s.StartedAt.Equal(mock.Now()) {
		t.Errorf("session = %+v", s)
	}
	if len(s.DevBranches) != 2 || len(s.StagingBranches) != 1 {
		t.Fatalf("branches: %d dev, %d staging", len(s.DevBranches), len(s.StagingBranches))
	}
	if s.StagingBranches[0].Status != models.BranchStatusCreated {
		t.Errorf("staging status = %s", s.StagingBranches[0].Status)
	}
	if testutil.ToFloat64(m.Sessions) != 1 || testutil.ToFloat64(m.Branches.WithLabelValues("dev")) != 2 {
		t.Error("metrics not updated")
	}

	assigned := 0
	for _, ids := range s.Assignment {
		assigned += len(ids)
	}
	if assigned != 4 {
		t.Errorf("assigned %d subtasks, want 4", assigned)
	}

	if _, err := o.StartPartition(context.Background(), "job1", subtasks, 2, 1, ""); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second start err = %v", err)
	}
}

func TestStartPartition_RollsBackOnFailure(t *testing.T) {
	g := newFakeGit()
	g.branches["conductor/battle-job1-staging1"] = true
	o := New(RequiredConfig{Git: g})

	_, err := o.StartPartition(context.Background(), "job1", makeSubtasks("a.js"), 2, 1, "main")
	if err == nil {
		t.Fatal("expected error for existing branch")
	}
	for _, name := range []string{"conductor/battle-job1-dev1", "conductor/battle-job1-dev2"} {
		if g.branches[name] {
			t.Errorf("%s not rolled back", name)
		}
	}
	if _, err := o.GetBattleStatus("job1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session should not exist: %v", err)
	}
	if _, err := o.StartPartition(context.Background(), "job1", nil, 0, 1, "main"); !errors.Is(err, ErrInvalidBranchCount) {
		t.Errorf("zero dev branches err = %v", err)
	}
}

func TestStartPartition_UnknownStrategy(t *testing.T) {
	o := New(RequiredConfig{Git: newFakeGit()}, WithStrategy("round-robin"))
	if _, err := o.StartPartition(context.Background(), "j", nil, 1, 1, ""); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("err = %v", err)
	}
}

func startJob(t *testing.T, o *Orchestrator, subtasks []*models.Subtask, dev, staging int) *models.BattleSession {
	t.Helper()
	s, err := o.StartPartition(context.Background(), "job", subtasks, dev, staging, "main")
	if err != nil {
		t.Fatalf("StartPartition failed: %v", err)
	}
	return s
}

func completeAll(t *testing.T, o *Orchestrator, ids []string) {
	t.Helper()
	for _, id := range ids {
		if err := o.MarkSubtask("job", id, models.SubtaskStatusCompleted); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPromote_RequiresCompletedSubtasks(t *testing.T) {
	o := New(RequiredConfig{Git: newFakeGit()}, WithStrategy(StrategyLeastLoaded))
	s := startJob(t, o, makeSubtasks("a.js", "b.js"), 1, 1)
	dev, staging := s.DevBranches[0].Name, s.StagingBranches[0].Name

	_, err := o.PromoteDevToStaging(context.Background(), "job", dev, staging, false)
	if !errors.Is(err, ErrIncompleteSubtasks) {
		t.Fatalf("err = %v, want ErrIncompleteSubtasks", err)
	}
	if _, err := o.PromoteDevToStaging(context.Background(), "job", staging, dev, false); !errors.Is(err, ErrUnknownBranch) {
		t.Errorf("swapped branches err = %v", err)
	}
	if _, err := o.PromoteDevToStaging(context.Background(), "nope", dev, staging, false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown job err = %v", err)
	}
	if err := o.MarkSubtask("job", "ghost", models.SubtaskStatusCompleted); !errors.Is(err, ErrUnknownSubtask) {
		t.Errorf("MarkSubtask(ghost) err = %v", err)
	}
}

func TestPromote_Success(t *testing.T) {
	g := newFakeGit()
	o := New(RequiredConfig{Git: g})
	s := startJob(t, o, makeSubtasks("a.js", "b.js"), 1, 1)
	dev, staging := s.DevBranches[0].Name, s.StagingBranches[0].Name
	completeAll(t, o, s.Assignment[dev])

	before := len(g.Calls())
	ok, err := o.PromoteDevToStaging(context.Background(), "job", dev, staging, false)
	if err != nil || !ok {
		t.Fatalf("promote = %v, %v", ok, err)
	}

	want := []string{
		"checkout " + staging,
		"merge --squash " + dev,
		"commit [conductor] Merge " + dev + " into " + staging,
		"checkout main",
	}
	if got := g.Calls()[before:]; !reflect.DeepEqual(got, want) {
		t.Errorf("git calls = %v, want %v", got, want)
	}

	after, _ := o.Session("job")
	if after.Branch(dev).Status != models.BranchStatusMerged {
		t.Errorf("dev status = %s", after.Branch(dev).Status)
	}
	st := after.Branch(staging)
	if st.Status != models.BranchStatusPopulated || !reflect.DeepEqual(st.MergedFrom, []string{dev}) {
		t.Errorf("staging = %+v", st)
	}
}

func TestPromote_MergeFailureLeavesStatusUnchanged(t *testing.T) {
	g := newFakeGit()
	o := New(RequiredConfig{Git: g}, WithStrategy(StrategyLeastLoaded))
	s := startJob(t, o, makeSubtasks("a.js", "b.js"), 2, 1)
	dev1, dev2 := s.DevBranches[0].Name, s.DevBranches[1].Name
	staging := s.StagingBranches[0].Name
	completeAll(t, o, append(s.Assignment[dev1], s.Assignment[dev2]...))

	if ok, err := o.PromoteDevToStaging(context.Background(), "job", dev1, staging, false); !ok || err != nil {
		t.Fatalf("first promote = %v, %v", ok, err)
	}

	g.failMerge[dev2] = true
	ok, err := o.PromoteDevToStaging(context.Background(), "job", dev2, staging, false)
	if err != nil {
		t.Fatalf("merge conflict should not be an error: %v", err)
	}
	if ok {
		t.Fatal("promote reported success on a conflicting merge")
	}

	calls := g.Calls()
	if !contains(calls, "merge --abort") {
		t.Errorf("merge not aborted: %v", calls)
	}
	after, _ := o.Session("job")
	if got := after.Branch(staging).Status; got != models.BranchStatusPopulated {
		t.Errorf("staging status = %s, want populated", got)
	}
	if got := after.Branch(dev2).Status; got != models.BranchStatusPopulated {
		t.Errorf("dev status = %s, want populated", got)
	}
	if len(after.Branch(staging).MergedFrom) != 1 {
		t.Errorf("merged from = %v", after.Branch(staging).MergedFrom)
	}
}

func TestPromote_TestGate(t *testing.T) {
	g := newFakeGit()
	var gated []string
	gateErr := error(nil)
	gate := TestGateFunc(func(ctx context.Context, repo, branch string) error {
		gated = append(gated, repo+":"+branch)
		return gateErr
	})

	o := New(RequiredConfig{Git: g})
	s := startJob(t, o, makeSubtasks("a.js"), 1, 1)
	dev, staging := s.DevBranches[0].Name, s.StagingBranches[0].Name
	completeAll(t, o, s.Assignment[dev])

	if _, err := o.PromoteDevToStaging(context.Background(), "job", dev, staging, true); !errors.Is(err, ErrNoTestGate) {
		t.Errorf("err = %v, want ErrNoTestGate", err)
	}

	g = newFakeGit()
	o = New(RequiredConfig{Git: g}, WithTestGate(gate))
	s = startJob(t, o, makeSubtasks("a.js"), 1, 1)
	completeAll(t, o, s.Assignment[dev])

	gateErr = errors.New("2 tests failed")
	ok, err := o.PromoteDevToStaging(context.Background(), "job", dev, staging, true)
	if ok || err != nil {
		t.Errorf("failing gate = %v, %v", ok, err)
	}
	if contains(g.Calls(), "merge --squash "+dev) {
		t.Error("merged despite failing gate")
	}

	gateErr = nil
	ok, err = o.PromoteDevToStaging(context.Background(), "job", dev, staging, true)
	if !ok || err != nil {
		t.Errorf("passing gate = %v, %v", ok, err)
	}
	if len(gated) != 2 || gated[0] != "/repo:"+dev {
		t.Errorf("gate calls = %v", gated)
	}
}

func TestFinalizeBattle(t *testing.T) {
	g := newFakeGit()
	m := metrics.NewBattle(nil)
	o := New(RequiredConfig{Git: g}, WithStrategy(StrategyLeastLoaded), WithMetrics(m), WithDeleteBranchesAfterMerge(true))
	s := startJob(t, o, makeSubtasks("a.js", "b.js", "c.js"), 3, 3)
	var all []string
	for _, ids := range s.Assignment {
		all = append(all, ids...)
	}
	completeAll(t, o, all)

	staging := []string{s.StagingBranches[0].Name, s.StagingBranches[1].Name, s.StagingBranches[2].Name}
	for i, dev := range s.DevBranches[:2] {
		if ok, err := o.PromoteDevToStaging(context.Background(), "job", dev.Name, staging[i], false); !ok || err != nil {
			t.Fatalf("promote %s = %v, %v", dev.Name, ok, err)
		}
	}
	g.failMerge[staging[1]] = true

	report, err := o.FinalizeBattle(context.Background(), "job", "")
	if err != nil {
		t.Fatalf("FinalizeBattle failed: %v", err)
	}
	if report.Target != "main" || len(report.Merges) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if !report.Merges[0].Success || report.Merges[1].Success || report.Success() {
		t.Errorf("merge outcomes = %+v", report.Merges)
	}

	// merged: dev1, dev2, staging1. dev3 was never promoted; staging2 failed; staging3 was empty.
	deleted := append([]string(nil), report.Deleted...)
	sort.Strings(deleted)
	want := []string{s.DevBranches[0].Name, s.DevBranches[1].Name, staging[0]}
	sort.Strings(want)
	if !reflect.DeepEqual(deleted, want) {
		t.Errorf("deleted = %v, want %v", deleted, want)
	}

	status, err := o.GetBattleStatus("job")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Finalized || status.Completed != 3 || status.Progress != 1 {
		t.Errorf("status = %+v", status)
	}
	if testutil.ToFloat64(m.Merges.WithLabelValues("finalize", "failed")) != 1 {
		t.Error("finalize failure not counted")
	}
}

func TestCleanupBranches_CombinesErrors(t *testing.T) {
	g := newFakeGit()
	o := New(RequiredConfig{Git: g})
	startJob(t, o, makeSubtasks("a.js"), 2, 1)

	g.failOn = "branch -D conductor/battle-job-dev"
	deleted, err := o.CleanupBranches(context.Background(), "job")
	if err == nil || !strings.Contains(err.Error(), "dev1") || !strings.Contains(err.Error(), "dev2") {
		t.Errorf("err = %v, want both dev deletions reported", err)
	}
	if !reflect.DeepEqual(deleted, []string{"conductor/battle-job-staging1"}) {
		t.Errorf("deleted = %v", deleted)
	}
}

func TestGetBattleStatus_Progress(t *testing.T) {
	o := New(RequiredConfig{Git: newFakeGit()}, WithStrategy(StrategyLeastLoaded))
	s := startJob(t, o, makeSubtasks("a.js", "b.js", "c.js", "d.js"), 2, 1)
	dev1 := s.DevBranches[0].Name
	completeAll(t, o, s.Assignment[dev1])

	status, err := o.GetBattleStatus("job")
	if err != nil {
		t.Fatal(err)
	}
	if status.Completed != 2 || status.Total != 4 || status.Progress != 0.5 {
		t.Errorf("status = %+v", status)
	}
	if status.Branches[0].Progress != 1 || status.Branches[1].Progress != 0 {
		t.Errorf("branch progress = %+v", status.Branches)
	}
	if len(status.Branches) != 3 {
		t.Errorf("branches = %d, want 3", len(status.Branches))
	}
	if len(o.Sessions()) != 1 {
		t.Errorf("sessions = %d", len(o.Sessions()))
	}
}

type memStore struct {
	mu    sync.Mutex
	saved []*models.BattleSession
}

func (m *memStore) SaveBattleSession(_ context.Context, s *models.BattleSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

func TestSessionsArePersisted(t *testing.T) {
	store := &memStore{}
	o := New(RequiredConfig{Git: newFakeGit()}, WithStore(store), WithClock(clock.NewMock()))
	s := startJob(t, o, makeSubtasks("a.js"), 1, 1)
	completeAll(t, o, s.Assignment[s.DevBranches[0].Name])
	if _, err := o.PromoteDevToStaging(context.Background(), "job", s.DevBranches[0].Name, s.StagingBranches[0].Name, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.FinalizeBattle(context.Background(), "job", "main"); err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != 3 {
		t.Fatalf("saved %d snapshots, want 3", len(store.saved))
	}
	last := store.saved[2]
	if last.FinalizedAt == nil || !last.FinalizedAt.Equal(time.Unix(0, 0)) {
		t.Errorf("finalized at = %v", last.FinalizedAt)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
