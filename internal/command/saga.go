package command

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/saga"
)

// File is the layout of a saga file:
//
//	[[saga]]
//	type = "provision"
//	on_failure = "notify-oncall.sh"
//
//	[[saga.step]]
//	name = "create-db"
//	run = "scripts/create-db.sh"
//	compensate = "scripts/drop-db.sh"
//	timeout = "20s"
//	max_retries = 2
type File struct {
	Sagas []SagaConfig `toml:"saga"`
}

type SagaConfig struct {
	Type       string       `toml:"type"`
	Dir        string       `toml:"dir"` // working directory, relative to the file
	OnComplete string       `toml:"on_complete"`
	OnFailure  string       `toml:"on_failure"`
	Steps      []StepConfig `toml:"step"`
}

type StepConfig struct {
	Name       string `toml:"name"`
	Run        string `toml:"run"`
	Compensate string `toml:"compensate"`
	Timeout    string `toml:"timeout"`
	MaxRetries *int   `toml:"max_retries"`
	Retryable  *bool  `toml:"retryable"`

	// Exit codes that fail the step without further attempts.
	PermanentExitCodes []int `toml:"permanent_exit_codes"`
}

// LoadFile reads a saga file and builds its definitions. Unknown keys are
// rejected so a typo does not silently drop a compensation.
func LoadFile(path string) ([]saga.Definition, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("saga file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("saga file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	base := filepath.Dir(path)
	defs := make([]saga.Definition, 0, len(f.Sagas))
	seen := make(map[string]bool, len(f.Sagas))
	for _, sc := range f.Sagas {
		if seen[sc.Type] {
			return nil, fmt.Errorf("saga file %s: duplicate saga type %q", path, sc.Type)
		}
		seen[sc.Type] = true

		if sc.Dir == "" {
			sc.Dir = base
		} else if !filepath.IsAbs(sc.Dir) {
			sc.Dir = filepath.Join(base, sc.Dir)
		}
		def, err := Build(sc)
		if err != nil {
			return nil, fmt.Errorf("saga file %s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Build turns one saga config into a definition.
func Build(sc SagaConfig) (saga.Definition, error) {
	def := saga.Definition{Type: sc.Type}
	for _, stc := range sc.Steps {
		step, err := buildStep(sc.Dir, stc)
		if err != nil {
			return saga.Definition{}, fmt.Errorf("saga %s: %w", sc.Type, err)
		}
		def.Steps = append(def.Steps, step)
	}
	if sc.OnComplete != "" {
		def.OnComplete = hook(sc.Dir, sc.OnComplete)
	}
	if sc.OnFailure != "" {
		def.OnFailure = hook(sc.Dir, sc.OnFailure)
	}
	if err := def.Validate(); err != nil {
		return saga.Definition{}, err
	}
	return def, nil
}

func buildStep(dir string, c StepConfig) (saga.StepDefinition, error) {
	if strings.TrimSpace(c.Run) == "" {
		return saga.StepDefinition{}, fmt.Errorf("step %q: run is required", c.Name)
	}
	var timeout time.Duration
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return saga.StepDefinition{}, fmt.Errorf("step %q: timeout: %w", c.Name, err)
		}
		if d > MaxTimeout {
			return saga.StepDefinition{}, fmt.Errorf("step %q: timeout %s exceeds %s", c.Name, d, MaxTimeout)
		}
		timeout = d
	}

	step := saga.StepDefinition{
		Name:       c.Name,
		Execute:    runStep(dir, c, timeout),
		Retryable:  c.Retryable,
		MaxRetries: c.MaxRetries,
		Timeout:    timeout,
	}
	if c.Compensate != "" {
		step.Compensate = compensateStep(dir, c.Name, c.Compensate, timeout)
	}
	return step, nil
}

func runStep(dir string, c StepConfig, timeout time.Duration) saga.StepFunc {
	return func(ctx context.Context, st *model.SagaState) (saga.StepResult, error) {
		env, err := Env(st, c.Name)
		if err != nil {
			return saga.StepResult{}, saga.Permanent(err)
		}
		res := Execute(ctx, c.Run, timeout, dir, env)
		if res.Err != nil {
			err := runError(c.Name, res)
			if slices.Contains(c.PermanentExitCodes, res.ExitCode) {
				return saga.StepResult{}, saga.Permanent(err)
			}
			return saga.StepResult{}, err
		}
		data, err := parseOutput(res.Stdout)
		if err != nil {
			return saga.StepResult{}, saga.Permanent(fmt.Errorf("step %s: %w", c.Name, err))
		}
		return saga.StepResult{Data: data}, nil
	}
}

func compensateStep(dir, step, command string, timeout time.Duration) saga.CompensateFunc {
	return func(ctx context.Context, st *model.SagaState) error {
		env, err := Env(st, step)
		if err != nil {
			return err
		}
		if res := Execute(ctx, command, timeout, dir, env); res.Err != nil {
			return runError(step, res)
		}
		return nil
	}
}

func hook(dir, command string) saga.Hook {
	return func(ctx context.Context, st *model.SagaState) error {
		env, err := Env(st, st.CurrentStep)
		if err != nil {
			return err
		}
		if res := Execute(ctx, command, 0, dir, env); res.Err != nil {
			return runError("hook", res)
		}
		return nil
	}
}

func runError(name string, res Result) error {
	if res.TimedOut {
		return fmt.Errorf("%s: command timed out: %w", name, res.Err)
	}
	if out := res.Output(); out != "" {
		return fmt.Errorf("%s: %w: %s", name, res.Err, out)
	}
	return fmt.Errorf("%s: %w", name, res.Err)
}

// parseOutput reads a step's stdout. A JSON object becomes step output;
// anything else is ignored.
func parseOutput(stdout string) (map[string]any, error) {
	if !strings.HasPrefix(stdout, "{") {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(stdout), &data); err != nil {
		return nil, fmt.Errorf("decoding step output: %w", err)
	}
	return data, nil
}

// Env is the environment a command sees for a saga.
func Env(st *model.SagaState, step string) (map[string]string, error) {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding saga data: %w", err)
	}
	return map[string]string{
		"SAGA_ID":             st.SagaID,
		"SAGA_TYPE":           st.SagaType,
		"SAGA_STEP":           step,
		"SAGA_STATUS":         string(st.Status),
		"SAGA_AGGREGATE_ID":   st.AggregateID,
		"SAGA_TENANT_ID":      st.TenantID,
		"SAGA_CORRELATION_ID": st.CorrelationID,
		"SAGA_RETRY_COUNT":    strconv.Itoa(st.RetryCount),
		"SAGA_ERROR":          st.Error,
		"SAGA_DATA":           string(data),
	}, nil
}
