package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"notes.txt":        "alpha",
		"sub/report.csv":   "bravo,charlie",
		"sub/deep/data.db": "delta",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func archiveConfig(sourceDir string) *models.BackupConfig {
	return &models.BackupConfig{
		ID:      uuid.New(),
		Name:    "archive test",
		Method:  models.MethodArchive,
		Sources: []models.Source{{Path: sourceDir}},
	}
}

func newTestArchiveStrategy(t *testing.T, fs *fakeServer, sink ProgressSink) *ArchiveStrategy {
	t.Helper()
	s := NewArchiveStrategy(fs.client(), sink, nil, testBudgets, zerolog.Nop())
	s.tempDir = t.TempDir()
	return s
}

func TestArchiveExecuteSuccess(t *testing.T) {
	fs := newFakeServer(t)
	sink := &recordSink{}
	s := newTestArchiveStrategy(t, fs, sink)
	cfg := archiveConfig(writeTestTree(t))

	result, err := s.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got failure: %+v", result.Error)
	}
	if result.FilesTransferred != 3 {
		t.Errorf("expected 3 files transferred, got %d", result.FilesTransferred)
	}
	if result.BytesTransferred == 0 {
		t.Error("expected non-zero bytes transferred")
	}

	want := []models.ProgressStage{
		models.StagePreparing,
		models.StageArchiving,
		models.StageUploading,
		models.StageCompleting,
	}
	got := sink.stages()
	if len(got) != len(want) {
		t.Fatalf("expected stage sequence %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected stage sequence %v, got %v", want, got)
		}
	}
	if len(sink.completed) != 1 {
		t.Errorf("expected 1 completion event, got %d", len(sink.completed))
	}

	complete := fs.lastComplete(t)
	if complete.Status != "completed" {
		t.Errorf("expected completed status reported, got %q", complete.Status)
	}
	if complete.LogID != fs.logID {
		t.Error("completion reported with wrong log id")
	}

	// The uploaded body must round-trip: same entries, same contents,
	// same total byte count as the source tree.
	entries := readArchive(t, fs.uploadBody)
	if len(entries) != 3 {
		t.Fatalf("expected 3 regular entries in archive, got %d", len(entries))
	}
	wantContents := map[string]string{
		"notes.txt":        "alpha",
		"sub/report.csv":   "bravo,charlie",
		"sub/deep/data.db": "delta",
	}
	var totalBytes int64
	for name, data := range entries {
		totalBytes += int64(len(data))
		matched := false
		for rel, want := range wantContents {
			if strings.HasSuffix(name, "/"+rel) {
				matched = true
				if string(data) != want {
					t.Errorf("entry %s content = %q, want %q", name, data, want)
				}
			}
		}
		if !matched {
			t.Errorf("unexpected archive entry %s", name)
		}
	}
	wantBytes := int64(len("alpha") + len("bravo,charlie") + len("delta"))
	if totalBytes != wantBytes {
		t.Errorf("extracted %d bytes, want %d", totalBytes, wantBytes)
	}
}

// readArchive gunzips and untars the uploaded body, returning the regular
// entries keyed by name.
func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("uploaded body is not gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	entries := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("uploaded body is not a tar stream: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = content
	}
	return entries
}

func TestArchiveExecuteMissingSource(t *testing.T) {
	fs := newFakeServer(t)
	sink := &recordSink{}
	s := newTestArchiveStrategy(t, fs, sink)
	cfg := archiveConfig(filepath.Join(t.TempDir(), "does-not-exist"))

	result, err := s.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for missing source")
	}
	if result.Error == nil || result.Error.Category != models.ErrorFilesystem {
		t.Errorf("expected filesystem classification, got %+v", result.Error)
	}
	if fs.requestCount() != 0 {
		t.Errorf("expected no network calls, server saw %d", fs.requestCount())
	}
	if len(sink.failed) != 1 {
		t.Errorf("expected 1 failure event, got %d", len(sink.failed))
	}
}

func TestArchiveCleansUpTempFile(t *testing.T) {
	fs := newFakeServer(t)
	s := newTestArchiveStrategy(t, fs, nil)
	cfg := archiveConfig(writeTestTree(t))

	if _, err := s.Execute(context.Background(), cfg); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty temp dir after run, found %d entries", len(entries))
	}
}

func TestArchiveCleansUpOnUploadFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.noUploadURL = true // no URL and no credentials: upload cannot proceed
	s := newTestArchiveStrategy(t, fs, nil)
	cfg := archiveConfig(writeTestTree(t))

	result, err := s.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure without upload target")
	}

	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty temp dir after failed run, found %d entries", len(entries))
	}

	// The failure must be reported against the started log entry.
	complete := fs.lastComplete(t)
	if complete.Status != "failed" {
		t.Errorf("expected failed status reported, got %q", complete.Status)
	}
}

func TestArchiveExcludesPatterns(t *testing.T) {
	dir := writeTestTree(t)
	if err := os.MkdirAll(filepath.Join(dir, "node_modules/pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules/pkg/index.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "debug.log"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := newFakeServer(t)
	s := newTestArchiveStrategy(t, fs, nil)
	cfg := archiveConfig(dir)
	cfg.Sources[0].Exclude = []string{"node_modules", "*.log"}

	result, err := s.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if result.FilesTransferred != 3 {
		t.Errorf("expected excluded files to be skipped, got %d entries", result.FilesTransferred)
	}
	for name := range readArchive(t, fs.uploadBody) {
		if filepath.Base(name) == "index.js" || filepath.Base(name) == "debug.log" {
			t.Errorf("excluded entry %s present in archive", name)
		}
	}
}

func TestArchiveSkipsSymlinks(t *testing.T) {
	dir := writeTestTree(t)
	if err := os.Symlink(filepath.Join(dir, "notes.txt"), filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	fs := newFakeServer(t)
	s := newTestArchiveStrategy(t, fs, nil)

	result, err := s.Execute(context.Background(), archiveConfig(dir))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if result.FilesTransferred != 3 {
		t.Errorf("expected symlink to be skipped, got %d entries", result.FilesTransferred)
	}
}

func TestMatchesAny(t *testing.T) {
	tests := []struct {
		rel      string
		patterns []string
		want     bool
	}{
		{"node_modules/pkg/index.js", []string{"node_modules"}, true},
		{"src/main.go", []string{"node_modules"}, false},
		{"logs/app.log", []string{"*.log"}, true},
		{"app.log", []string{"*.log"}, true},
		{"sub/deep/data.db", []string{"sub/deep/data.db"}, true},
		{"anything", nil, false},
	}
	for _, tt := range tests {
		if got := matchesAny(tt.rel, tt.patterns); got != tt.want {
			t.Errorf("matchesAny(%q, %v) = %v, want %v", tt.rel, tt.patterns, got, tt.want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Home Directory", "Home-Directory"},
		{"db/prod backups!", "db-prod-backups-"},
		{"simple-name_1", "simple-name_1"},
		{"", "backup"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
