package decompose

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d_", n)
	}
}

func kinds(subtasks []*models.Subtask) []models.SplitKind {
	out := make([]models.SplitKind, len(subtasks))
	for i, st := range subtasks {
		out[i] = st.Kind
	}
	return out
}

func TestDecompose_ThreeFiles(t *testing.T) {
	spec := &models.TaskSpec{
		ID:    "job",
		Files: []string{"a.go", "b.go", "c.go"},
	}

	d := NewDecomposer()
	got, err := d.Decompose(spec, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	if len(got.Subtasks) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(got.Subtasks))
	}
	for i, st := range got.Subtasks {
		if st.Kind != models.SplitKindFile {
			t.Errorf("subtask %d kind = %q, want file", i, st.Kind)
		}
		if st.Target != spec.Files[i] {
			t.Errorf("subtask %d target = %q, want %q", i, st.Target, spec.Files[i])
		}
		if st.ParentID != "job" {
			t.Errorf("subtask %d parent = %q, want job", i, st.ParentID)
		}
		if st.Status != models.SubtaskStatusPending {
			t.Errorf("subtask %d status = %q, want pending", i, st.Status)
		}
		if st.Depth != 1 {
			t.Errorf("subtask %d depth = %d, want 1", i, st.Depth)
		}
	}

	if n := AnnotateDependencies(got.Subtasks); n != 0 {
		t.Errorf("distinct files should not be chained, got %d edges", n)
	}
}

func TestDecompose_SplitPriorityConcatenatesFacets(t *testing.T) {
	spec := &models.TaskSpec{
		ID:          "job",
		Description: "ignored. because facets exist.",
		Files:       []string{"main.go"},
		Functions:   []string{"Run"},
		Components:  []string{"parser"},
		Features:    []string{"login"},
	}

	got, err := NewDecomposer().Decompose(spec, 6, models.GranularityFunction)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	want := []models.SplitKind{
		models.SplitKindFile,
		models.SplitKindFunction,
		models.SplitKindComponent,
		models.SplitKindFeature,
	}
	gotKinds := kinds(got.Subtasks)
	if fmt.Sprint(gotKinds) != fmt.Sprint(want) {
		t.Errorf("kinds = %v, want %v", gotKinds, want)
	}
}

func TestDecompose_SentenceFallback(t *testing.T) {
	spec := &models.TaskSpec{
		ID:          "job",
		Description: "Add a cache. Wire it into the server.  . Write tests.",
	}

	got, err := NewDecomposer().Decompose(spec, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	want := []string{"Add a cache", "Wire it into the server", "Write tests"}
	if len(got.Subtasks) != len(want) {
		t.Fatalf("expected %d subtasks, got %d", len(want), len(got.Subtasks))
	}
	for i, st := range got.Subtasks {
		if st.Kind != models.SplitKindSentence {
			t.Errorf("subtask %d kind = %q, want sentence", i, st.Kind)
		}
		if st.Target != want[i] {
			t.Errorf("subtask %d target = %q, want %q", i, st.Target, want[i])
		}
		if st.Complexity != 0.3 {
			t.Errorf("subtask %d complexity = %v, want 0.3", i, st.Complexity)
		}
	}
}

func TestDecompose_TaskFallback(t *testing.T) {
	got, err := NewDecomposer().Decompose(&models.TaskSpec{ID: "bare"}, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(got.Subtasks) != 1 {
		t.Fatalf("expected 1 subtask, got %d", len(got.Subtasks))
	}
	st := got.Subtasks[0]
	if st.Kind != models.SplitKindTask || st.Target != "bare" {
		t.Errorf("got kind=%q target=%q, want task/bare", st.Kind, st.Target)
	}
	if st.EstimatedDuration.Milliseconds() != 1000 {
		t.Errorf("estimated duration = %v, want 1s", st.EstimatedDuration)
	}
}

func TestDecompose_FeaturesSplitIntoSentences(t *testing.T) {
	spec := &models.TaskSpec{
		ID:       "job",
		Features: []string{"Sign up. Sign in", "Audit log"},
	}

	got, err := NewDecomposer(WithIDGenerator(seqIDs())).Decompose(spec, 6, models.GranularityFunction)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	// "Audit log" has a single sentence and stays a feature leaf; the first
	// feature splits into two sentence leaves one level deeper.
	want := []models.SplitKind{models.SplitKindFeature, models.SplitKindSentence, models.SplitKindSentence}
	if fmt.Sprint(kinds(got.Subtasks)) != fmt.Sprint(want) {
		t.Fatalf("kinds = %v, want %v", kinds(got.Subtasks), want)
	}
	if got.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", got.MaxDepth)
	}

	leaf := got.Subtasks[1]
	if leaf.Depth != 2 {
		t.Errorf("sentence depth = %d, want 2", leaf.Depth)
	}
	if !strings.HasPrefix(leaf.ParentPath, "job.") {
		t.Errorf("parent path %q should start with the root id", leaf.ParentPath)
	}
	if !strings.HasPrefix(leaf.ID, leaf.ParentID+"-") {
		t.Errorf("id %q should derive from parent %q", leaf.ID, leaf.ParentID)
	}
}

func TestDecompose_MaxDepthStopsSplitting(t *testing.T) {
	spec := &models.TaskSpec{
		ID:         "job",
		Components: []string{"a. b. c"},
	}

	got, err := NewDecomposer().Decompose(spec, 1, models.GranularityFunction)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(got.Subtasks) != 1 || got.Subtasks[0].Kind != models.SplitKindComponent {
		t.Errorf("expected a single component leaf at depth 1, got %v", kinds(got.Subtasks))
	}
}

func TestDecompose_SafetyCap(t *testing.T) {
	files := make([]string, 50)
	for i := range files {
		files[i] = fmt.Sprintf("f%d.go", i)
	}

	d := NewDecomposer(WithMaxSubtasks(20))
	got, err := d.Decompose(&models.TaskSpec{ID: "big", Files: files}, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(got.Subtasks) != 20 {
		t.Errorf("expected 20 subtasks, got %d", len(got.Subtasks))
	}
	if !got.Truncated {
		t.Error("expected Truncated to be set")
	}
}

func TestDecompose_DefaultCap(t *testing.T) {
	files := make([]string, DefaultMaxSubtasks+5)
	for i := range files {
		files[i] = fmt.Sprintf("f%d.go", i)
	}

	got, err := NewDecomposer().Decompose(&models.TaskSpec{ID: "huge", Files: files}, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(got.Subtasks) > DefaultMaxSubtasks {
		t.Errorf("emitted %d subtasks, cap is %d", len(got.Subtasks), DefaultMaxSubtasks)
	}
}

func TestDecompose_UniqueIDs(t *testing.T) {
	// A constant suffix still yields unique ids because the split index is appended.
	d := NewDecomposer(WithIDGenerator(func() string { return "x" }))
	spec := &models.TaskSpec{
		ID:       "job",
		Files:    []string{"a.go", "a.go"},
		Features: []string{"one. two", "three. four"},
	}

	got, err := d.Decompose(spec, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	seen := make(map[string]bool)
	for _, st := range got.Subtasks {
		if seen[st.ID] {
			t.Errorf("duplicate id %q", st.ID)
		}
		seen[st.ID] = true
	}
}

func TestDecompose_Reproducible(t *testing.T) {
	spec := &models.TaskSpec{
		ID:          "job",
		Files:       []string{"a.go", "b.go", "a.go"},
		Components:  []string{"x. y"},
		Description: "unused",
	}

	first, err := NewDecomposer().Decompose(spec, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	second, err := NewDecomposer().Decompose(spec, 0, "")
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}

	if len(first.Subtasks) != len(second.Subtasks) {
		t.Fatalf("counts differ: %d vs %d", len(first.Subtasks), len(second.Subtasks))
	}
	if fmt.Sprint(kinds(first.Subtasks)) != fmt.Sprint(kinds(second.Subtasks)) {
		t.Errorf("kinds differ: %v vs %v", kinds(first.Subtasks), kinds(second.Subtasks))
	}

	AnnotateDependencies(first.Subtasks)
	AnnotateDependencies(second.Subtasks)

	index := func(subtasks []*models.Subtask) map[string]int {
		m := make(map[string]int)
		for i, st := range subtasks {
			m[st.ID] = i
		}
		return m
	}
	fi, si := index(first.Subtasks), index(second.Subtasks)
	for i := range first.Subtasks {
		a, b := first.Subtasks[i].Dependencies, second.Subtasks[i].Dependencies
		if len(a) != len(b) {
			t.Fatalf("subtask %d dependency counts differ", i)
		}
		for j := range a {
			if fi[a[j]] != si[b[j]] {
				t.Errorf("subtask %d dependency %d points at different positions", i, j)
			}
		}
	}
}

func TestDecompose_InvalidInput(t *testing.T) {
	d := NewDecomposer()

	if _, err := d.Decompose(&models.TaskSpec{}, 0, ""); !errors.Is(err, models.ErrInvalidTaskSpec) {
		t.Errorf("expected ErrInvalidTaskSpec, got %v", err)
	}
	if _, err := d.Decompose(&models.TaskSpec{ID: "a"}, 0, "component"); err == nil {
		t.Error("expected error for unknown granularity")
	}
}
