package command

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/sagas/internal/eventlog"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/saga"
	"github.com/alfredjeanlab/sagas/internal/store/memory"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const provisionFile = `
[[saga]]
type = "provision"
on_failure = "echo failed >> hooks.log"

[[saga.step]]
name = "reserve"
run = "echo '{\"reserved\": true}'"
compensate = "echo \"$SAGA_STEP $SAGA_ID\" >> undo.log"

[[saga.step]]
name = "charge"
run = "echo x >> charge.count; echo declined >&2; exit 7"
timeout = "5s"
max_retries = 4
permanent_exit_codes = [7]
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	defs, err := LoadFile(writeFile(t, dir, "sagas.toml", provisionFile))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("defs = %d, want 1", len(defs))
	}
	def := defs[0]
	if def.Type != "provision" || len(def.Steps) != 2 || def.OnFailure == nil || def.OnComplete != nil {
		t.Fatalf("definition = %+v", def)
	}
	if def.Steps[0].Compensate == nil || def.Steps[1].Compensate != nil {
		t.Error("compensation wiring is wrong")
	}
	if def.Steps[1].Timeout != 5*time.Second || def.Steps[1].MaxRetries == nil || *def.Steps[1].MaxRetries != 4 {
		t.Errorf("charge step = %+v", def.Steps[1])
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"UnknownKey", "[[saga]]\ntype = \"a\"\n[[saga.step]]\nname = \"s\"\nrun = \"true\"\ncompensat = \"x\"\n", "unknown keys"},
		{"NoRun", "[[saga]]\ntype = \"a\"\n[[saga.step]]\nname = \"s\"\n", "run is required"},
		{"NoSteps", "[[saga]]\ntype = \"a\"\n", "at least one step"},
		{"DuplicateType", "[[saga]]\ntype = \"a\"\n[[saga.step]]\nname = \"s\"\nrun = \"true\"\n[[saga]]\ntype = \"a\"\n[[saga.step]]\nname = \"s\"\nrun = \"true\"\n", "duplicate saga type"},
		{"BadTimeout", "[[saga]]\ntype = \"a\"\n[[saga.step]]\nname = \"s\"\nrun = \"true\"\ntimeout = \"soon\"\n", "timeout"},
		{"TimeoutTooLong", "[[saga]]\ntype = \"a\"\n[[saga.step]]\nname = \"s\"\nrun = \"true\"\ntimeout = \"1h\"\n", "exceeds"},
		{"Syntax", "[[saga]\n", "saga file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "sagas.toml", tt.content)
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadFile = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseOutput(t *testing.T) {
	data, err := parseOutput(`{"n": 2}`)
	if err != nil || data["n"] != float64(2) {
		t.Fatalf("parseOutput = %v, %v", data, err)
	}
	if data, err := parseOutput("done"); err != nil || data != nil {
		t.Fatalf("plain output = %v, %v", data, err)
	}
	if _, err := parseOutput("{broken"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func newOrchestrator(t *testing.T, defs []saga.Definition) *saga.Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := saga.NewRegistry()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	o := saga.New(eventlog.New(memory.New(), nil, logger), reg,
		saga.WithLogger(logger),
		saga.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func runSaga(t *testing.T, o *saga.Orchestrator, sagaType string, data map[string]any) *model.SagaState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := o.StartSaga(ctx, sagaType, "acct_1", data, "tenant_a", "")
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	st, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return st
}

func TestCommandSagaCompensates(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	defs, err := LoadFile(writeFile(t, dir, "sagas.toml", provisionFile))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	o := newOrchestrator(t, defs)

	st := runSaga(t, o, "provision", nil)
	if st.Status != model.SagaFailed || st.ErrorType != string(saga.CodeNonRetryable) {
		t.Fatalf("status = %s/%s, want failed/NON_RETRYABLE", st.Status, st.ErrorType)
	}
	if !strings.Contains(st.Error, "declined") {
		t.Errorf("error = %q, want the command output", st.Error)
	}
	if st.Data["reserved"] != true {
		t.Errorf("data = %v, want reserve output merged", st.Data)
	}
	count, err := os.ReadFile(filepath.Join(dir, "charge.count"))
	if err != nil {
		t.Fatalf("read charge.count: %v", err)
	}
	if n := strings.Count(string(count), "\n"); n != 1 {
		t.Errorf("charge ran %d times, want 1 for a permanent exit code", n)
	}

	undo, err := os.ReadFile(filepath.Join(dir, "undo.log"))
	if err != nil {
		t.Fatalf("compensation did not run: %v", err)
	}
	if got := strings.TrimSpace(string(undo)); got != "reserve "+st.SagaID {
		t.Errorf("undo.log = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "hooks.log")); err != nil {
		t.Errorf("on_failure hook did not run: %v", err)
	}
}

func TestCommandSagaPassesData(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	content := `
[[saga]]
type = "echo"
on_complete = "echo \"$SAGA_STATUS\" > done.log"

[[saga.step]]
name = "first"
run = "printf '{\"seen\": %s}' \"$SAGA_DATA\""
`
	defs, err := LoadFile(writeFile(t, dir, "sagas.toml", content))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	o := newOrchestrator(t, defs)

	st := runSaga(t, o, "echo", map[string]any{"order": "o-1"})
	if st.Status != model.SagaCompleted {
		t.Fatalf("status = %s (%s)", st.Status, st.Error)
	}
	seen, ok := st.Data["seen"].(map[string]any)
	if !ok || seen["order"] != "o-1" {
		t.Fatalf("data = %v", st.Data)
	}
	done, err := os.ReadFile(filepath.Join(dir, "done.log"))
	if err != nil || strings.TrimSpace(string(done)) != "completed" {
		t.Fatalf("done.log = %q, %v", done, err)
	}
}

func TestCommandSagaRetriesFailingStep(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	// Fails until the third attempt.
	content := `
[[saga]]
type = "flaky"

[[saga.step]]
name = "call"
run = "echo x >> count; test $(wc -l < count) -ge 3"
max_retries = 3
`
	defs, err := LoadFile(writeFile(t, dir, "sagas.toml", content))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	o := newOrchestrator(t, defs)

	st := runSaga(t, o, "flaky", nil)
	if st.Status != model.SagaCompleted {
		t.Fatalf("status = %s (%s)", st.Status, st.Error)
	}
	count, err := os.ReadFile(filepath.Join(dir, "count"))
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	if n := strings.Count(string(count), "\n"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestEnv(t *testing.T) {
	st := &model.SagaState{
		SagaID:        "sg-1",
		SagaType:      "payout",
		AggregateID:   "acct_1",
		TenantID:      "tenant_a",
		CorrelationID: "corr-1",
		Status:        model.SagaRunning,
		RetryCount:    2,
		Data:          map[string]any{"amount": 10},
	}
	env, err := Env(st, "charge")
	if err != nil {
		t.Fatalf("Env: %v", err)
	}
	want := map[string]string{
		"SAGA_ID":             "sg-1",
		"SAGA_STEP":           "charge",
		"SAGA_TENANT_ID":      "tenant_a",
		"SAGA_CORRELATION_ID": "corr-1",
		"SAGA_RETRY_COUNT":    "2",
		"SAGA_DATA":           `{"amount":10}`,
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}
