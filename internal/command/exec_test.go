package command

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

func TestExecute(t *testing.T) {
	requireShell(t)
	tests := []struct {
		name     string
		command  string
		env      map[string]string
		wantOut  string
		wantCode int
		wantErr  bool
	}{
		{"Stdout", "echo hello", nil, "hello", 0, false},
		{"StderrFallback", "echo oops >&2", nil, "oops", 0, false},
		{"Env", `printf '%s' "$SAGA_ID"`, map[string]string{"SAGA_ID": "sg-1"}, "sg-1", 0, false},
		{"ExitCode", "echo bad; exit 3", nil, "bad", 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Execute(context.Background(), tt.command, time.Second, "", tt.env)
			if (res.Err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", res.Err, tt.wantErr)
			}
			if res.Output() != tt.wantOut {
				t.Errorf("output = %q, want %q", res.Output(), tt.wantOut)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.wantCode)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	res := Execute(context.Background(), "sleep 5", 50*time.Millisecond, "", nil)
	if res.Err == nil || !res.TimedOut {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("command was not killed at the timeout")
	}
}

func TestExecuteTimeoutKillsChildren(t *testing.T) {
	requireShell(t)
	start := time.Now()
	res := Execute(context.Background(), "sleep 5 | cat; echo after", 50*time.Millisecond, "", nil)
	if !res.TimedOut {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("children of the shell outlived the timeout")
	}
	if res.Stdout == "after" {
		t.Error("shell kept running after the timeout")
	}
}

func TestExecuteParentCancelIsNotTimeout(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Execute(ctx, "sleep 5", time.Second, "", nil)
	if res.Err == nil || res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	res := Execute(context.Background(), "pwd -P", time.Second, dir, nil)
	if res.Err != nil {
		t.Fatalf("Execute: %v", res.Err)
	}
	want, err := exec.Command("sh", "-c", "cd "+dir+" && pwd -P").Output()
	if err != nil {
		t.Fatalf("pwd: %v", err)
	}
	if res.Stdout+"\n" != string(want) {
		t.Errorf("dir = %q, want %q", res.Stdout, want)
	}
}
