package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestIsJobPath(t *testing.T) {
	cases := map[string]bool{
		"app_data/job/j1/config.yaml": true,
		"app_data/job/j1/out/log.txt": true,
		"app_data/other/file.txt":     false,
		"docs/readme.md":              false,
	}
	for path, want := range cases {
		if got := IsJobPath(path); got != want {
			t.Errorf("IsJobPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestNameFromPath(t *testing.T) {
	if got := NameFromPath("app_data/job/train-model/out.txt"); got != "train-model" {
		t.Fatalf("got %q", got)
	}
	if got := NameFromPath("app_data/job/solo"); got != "solo" {
		t.Fatalf("got %q", got)
	}
	if got := NameFromPath("docs/readme.md"); got != "" {
		t.Fatalf("non-job path should yield empty, got %q", got)
	}
}

func TestSubmitterResolver(t *testing.T) {
	dir := t.TempDir()
	jobDir := filepath.Join(dir, "app_data", "job", "j1")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "config.yaml"), []byte("submitted_by: ds@test.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewSubmitterResolver(dir)
	submitter, err := r.Submitter("app_data/job/j1/out/result.txt")
	if err != nil {
		t.Fatal(err)
	}
	if submitter != "ds@test.com" {
		t.Fatalf("got %q", submitter)
	}

	// Missing config: the event must be skippable, not routable.
	if _, err := r.Submitter("app_data/job/unknown/x.txt"); !errors.Is(err, ErrNoSubmitter) {
		t.Fatalf("expected ErrNoSubmitter, got %v", err)
	}

	// Config without the field.
	jobDir2 := filepath.Join(dir, "app_data", "job", "j2")
	if err := os.MkdirAll(jobDir2, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir2, "config.yaml"), []byte("name: j2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submitter("app_data/job/j2/x.txt"); !errors.Is(err, ErrNoSubmitter) {
		t.Fatalf("expected ErrNoSubmitter, got %v", err)
	}
}
