package backup

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/retry"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

var testBudgets = retry.Budgets{Default: 3, Upload: 5, Report: 2}

func writeExecutable(path, script string) error {
	return os.WriteFile(path, []byte(script), 0o755)
}

// recordSink captures every event a strategy emits.
type recordSink struct {
	mu        sync.Mutex
	events    []models.ProgressEvent
	started   []string
	completed []string
	failed    []string
	failMsgs  []string
}

func (r *recordSink) Notify(_ uuid.UUID, _ string, event models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordSink) BackupStarted(_ uuid.UUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, name)
}

func (r *recordSink) BackupCompleted(_ uuid.UUID, name string, _ *models.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, name)
}

func (r *recordSink) BackupFailed(_ uuid.UUID, name, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, name)
	r.failMsgs = append(r.failMsgs, msg)
}

// stages returns the distinct stage sequence in emission order.
func (r *recordSink) stages() []models.ProgressStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProgressStage
	for _, ev := range r.events {
		if len(out) == 0 || out[len(out)-1] != ev.Stage {
			out = append(out, ev.Stage)
		}
	}
	return out
}

// fakeServer is a minimal in-process Halcyon server.
type fakeServer struct {
	*httptest.Server

	mu           sync.Mutex
	requests     []string
	logID        uuid.UUID
	uploadBody   []byte
	completeReqs []agent.CompleteBackupRequest
	configs      []models.BackupConfig
	noUploadURL  bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{logID: uuid.New()}

	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		json.NewEncoder(w).Encode(models.HeartbeatResponse{Acknowledged: true})
	})
	mux.HandleFunc("/configs", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		json.NewEncoder(w).Encode(fs.configs)
	})
	mux.HandleFunc("/backup/start", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		resp := agent.StartBackupResponse{LogID: fs.logID}
		if !fs.noUploadURL {
			resp.Upload = &agent.UploadTarget{URL: fs.URL + "/upload", Method: http.MethodPut}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.uploadBody = body
		fs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/backup/complete", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		var req agent.CompleteBackupRequest
		json.NewDecoder(r.Body).Decode(&req)
		fs.mu.Lock()
		fs.completeReqs = append(fs.completeReqs, req)
		fs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/size-requests", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		json.NewEncoder(w).Encode([]agent.SizeRequest{})
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) record(r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.requests = append(fs.requests, r.Method+" "+r.URL.Path)
}

func (fs *fakeServer) requestCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.requests)
}

func (fs *fakeServer) lastComplete(t *testing.T) agent.CompleteBackupRequest {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.completeReqs) == 0 {
		t.Fatal("no complete requests received")
	}
	return fs.completeReqs[len(fs.completeReqs)-1]
}

func (fs *fakeServer) client() *agent.Client {
	return agent.NewClient(fs.URL, "test-key", nil, zerolog.Nop())
}

// syncCall captures one SyncTool invocation.
type syncCall struct {
	sources     []string
	destination string
	opts        SyncOptions
}

// fakeSyncTool is an injectable SyncTool for strategy tests.
type fakeSyncTool struct {
	name  string
	stats *SyncStats
	err   error
	lines []string

	mu    sync.Mutex
	calls []syncCall
}

func (f *fakeSyncTool) Name() string { return f.name }

func (f *fakeSyncTool) Sync(_ context.Context, sources []string, destination string, opts SyncOptions) (*SyncStats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, syncCall{sources: sources, destination: destination, opts: opts})
	f.mu.Unlock()

	if opts.OnOutput != nil {
		for _, line := range f.lines {
			opts.OnOutput(line)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.stats != nil {
		return f.stats, nil
	}
	return &SyncStats{}, nil
}

func (f *fakeSyncTool) lastCall(t *testing.T) syncCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("%s was never invoked", f.name)
	}
	return f.calls[len(f.calls)-1]
}
