package model

import "testing"

func TestJobProgressPercentage(t *testing.T) {
	j := &Job{TotalTasks: 3, CompletedTasks: 1, FailedTasks: 1}
	if got := j.ProgressPercentage(); got != 66.7 {
		t.Fatalf("expected 66.7, got %v", got)
	}
}

func TestJobProgressPercentageZeroTotal(t *testing.T) {
	j := &Job{TotalTasks: 0}
	if got := j.ProgressPercentage(); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestNewJobRejectsNegativeTotal(t *testing.T) {
	if _, err := NewJob("job-1", -1); err == nil {
		t.Fatal("expected error for negative total_tasks")
	}
}

func TestJobCheckInvariantsRejectsOverflow(t *testing.T) {
	j := &Job{TotalTasks: 2, CompletedTasks: 2, FailedTasks: 1}
	if err := j.CheckInvariants(); err == nil {
		t.Fatal("expected invariant violation")
	}
}

func TestJobCheckInvariantsCompletedMustHaveZeroFailed(t *testing.T) {
	j := &Job{TotalTasks: 2, CompletedTasks: 1, FailedTasks: 1, Status: JobCompleted}
	if err := j.CheckInvariants(); err == nil {
		t.Fatal("expected invariant violation for completed status with failures")
	}
}

func TestNewTaskTrimsAndRejectsEmptyPrompt(t *testing.T) {
	if _, err := NewTask("t-1", "job-1", "   ", ""); err == nil {
		t.Fatal("expected error for blank prompt")
	}

	task, err := NewTask("t-1", "job-1", "  a cat  ", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Prompt != "a cat" {
		t.Fatalf("expected trimmed prompt, got %q", task.Prompt)
	}
	if task.Style != DefaultStyle {
		t.Fatalf("expected default style, got %q", task.Style)
	}
	if task.Status != TaskPending {
		t.Fatalf("expected pending status, got %q", task.Status)
	}
}

func TestTaskIsTerminal(t *testing.T) {
	cases := map[TaskStatus]bool{
		TaskPending:   false,
		TaskRunning:   false,
		TaskCompleted: true,
		TaskFailed:    true,
	}
	for status, want := range cases {
		task := &Task{Status: status}
		if got := task.IsTerminal(); got != want {
			t.Fatalf("status %s: expected IsTerminal=%v, got %v", status, want, got)
		}
	}
}

func TestValidateReadySetRequiresAllPresets(t *testing.T) {
	variants := []Variant{
		{Preset: SizeThumbnail}, {Preset: SizeProductCard}, {Preset: SizeFullProduct}, {Preset: SizeHeroImage},
	}
	tags := []Tag{{Tag: "x"}}
	descriptions := []Description{{}}
	embeddings := []Embedding{{}}

	if err := ValidateReadySet(variants, tags, descriptions, embeddings); err == nil {
		t.Fatal("expected error for missing full_res variant")
	}

	variants = append(variants, Variant{Preset: SizeFullRes})
	if err := ValidateReadySet(variants, tags, descriptions, embeddings); err != nil {
		t.Fatalf("unexpected error with complete variant set: %v", err)
	}
}

func TestValidateReadySetRejectsDuplicateVariant(t *testing.T) {
	variants := []Variant{{Preset: SizeThumbnail}, {Preset: SizeThumbnail}}
	if err := ValidateReadySet(variants, []Tag{{Tag: "x"}}, []Description{{}}, []Embedding{{}}); err == nil {
		t.Fatal("expected error for duplicate preset")
	}
}

func TestDedupTagsKeepsFirstOccurrence(t *testing.T) {
	tags := []Tag{
		{Tag: "red", Confidence: 0.9},
		{Tag: "red", Confidence: 0.5},
		{Tag: "blue", Confidence: 0.8},
	}
	deduped := DedupTags(tags)
	if len(deduped) != 2 {
		t.Fatalf("expected 2 deduped tags, got %d", len(deduped))
	}
	if deduped[0].Confidence != 0.9 {
		t.Fatalf("expected first occurrence kept, got confidence %v", deduped[0].Confidence)
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		ErrorValidation:        false,
		ErrorProviderTransient: true,
		ErrorProviderTerminal:  false,
		ErrorInfrastructure:    true,
		ErrorCancelled:         false,
		ErrorTimeout:           false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Fatalf("kind %s: expected retryable=%v, got %v", kind, want, got)
		}
	}
}
