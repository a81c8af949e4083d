package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/modes"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
	"github.com/joescharf/modeguard/internal/workflow"
)

func newEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	dir := t.TempDir()
	tasks, err := store.Open(context.Background(), store.Options{Backend: store.BackendSQLite, DBPath: filepath.Join(dir, "tasks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { tasks.Close() })
	return &workflow.Engine{
		Modes:    modes.NewStore(""),
		Sessions: session.NewFileStore(filepath.Join(dir, "sessions")),
		Tasks:    tasks,
	}
}

// stubEngine returns fixed errors.
type stubEngine struct {
	err error
}

func (s stubEngine) Status(context.Context, string) (*workflow.Status, error) { return nil, s.err }
func (s stubEngine) CanExit(context.Context, string) (*workflow.ExitReport, error) {
	return nil, s.err
}
func (s stubEngine) RefreshPhase(context.Context, string) (*models.SessionState, error) {
	return nil, s.err
}
func (s stubEngine) ResolveMode(workflow.EnterOptions) (models.ModeDefinition, error) {
	return models.ModeDefinition{}, s.err
}

func encode(t *testing.T, p Payload, d Decision) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, p, d))
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestDecode(t *testing.T) {
	p, err := Decode(strings.NewReader(`{"hook_event_name":"Stop","session_id":"abc","cwd":"/tmp","stop_hook_active":true,"extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, EventStop, p.HookEventName)
	assert.Equal(t, "abc", p.SessionID)
	assert.Equal(t, "/tmp", p.CWD)
	assert.True(t, p.StopHookActive)

	_, err = Decode(strings.NewReader("not json"))
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	p := Payload{HookEventName: EventUserPromptSubmit}

	assert.Empty(t, encode(t, p, AllowDecision()))

	out := encode(t, p, BlockDecision("open tasks"))
	assert.Equal(t, "block", out["decision"])
	assert.Equal(t, "open tasks", out["reason"])

	out = encode(t, p, InjectDecision("remember"))
	hso := out["hookSpecificOutput"].(map[string]any)
	assert.Equal(t, EventUserPromptSubmit, hso["hookEventName"])
	assert.Equal(t, "remember", hso["additionalContext"])

	assert.Equal(t, Allow, InjectDecision("").Action)
}

func TestDispatch_UnknownEventAllows(t *testing.T) {
	d := &Dispatcher{Engine: stubEngine{err: errors.New("must not be called")}}
	for _, ev := range []string{"PreToolUse", "PostToolUse", "Notification", ""} {
		dec := d.Dispatch(context.Background(), Payload{HookEventName: ev, SessionID: "s"})
		assert.Equal(t, Allow, dec.Action, ev)
	}
}

func TestDispatch_MissingSessionAllows(t *testing.T) {
	d := &Dispatcher{Engine: stubEngine{err: errors.New("must not be called")}}
	dec := d.Dispatch(context.Background(), Payload{HookEventName: EventStop})
	assert.Equal(t, Allow, dec.Action)
}

func TestDispatch_StopBlocksUntilClosed(t *testing.T) {
	eng := newEngine(t)
	d := &Dispatcher{Engine: eng}
	ctx := context.Background()
	p := Payload{HookEventName: EventStop, SessionID: "s"}

	// No session yet: nothing to enforce.
	assert.Equal(t, Allow, d.Dispatch(ctx, p).Action)

	m, err := eng.Enter(ctx, "s", workflow.EnterOptions{Mode: "task"})
	require.NoError(t, err)

	dec := d.Dispatch(ctx, p)
	require.Equal(t, Block, dec.Action)
	assert.Contains(t, dec.Reason, "Cannot exit task mode")

	sub := d.Dispatch(ctx, Payload{HookEventName: EventSubagentStop, SessionID: "s", StopHookActive: true})
	assert.Equal(t, Block, sub.Action)

	for _, id := range m.TaskIDs {
		_, err := eng.UpdateTask(ctx, "s", id, models.TaskStatusClosed)
		require.NoError(t, err)
	}
	assert.Equal(t, Allow, d.Dispatch(ctx, p).Action)
}

func TestDispatch_StopErrors(t *testing.T) {
	ctx := context.Background()
	p := Payload{HookEventName: EventStop, SessionID: "s"}

	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"store error blocks", errors.NewStoreError("list tasks", errors.New("db gone")), Block},
		{"config error blocks", errors.NewConfigError("modes.yaml", "parse", errors.New("bad")), Block},
		{"corruption blocks", &errors.StateCorruptionError{SessionID: "s", Path: "s.json", Err: errors.New("eof")}, Block},
		{"unknown error blocks", errors.New("boom"), Block},
		{"not found allows", errors.NewNotFoundError("session", "s"), Allow},
		{"invalid id allows", errors.ErrInvalidSessionID, Allow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Dispatcher{Engine: stubEngine{err: tt.err}}
			assert.Equal(t, tt.want, d.Dispatch(ctx, p).Action)
		})
	}
}

func TestDispatch_SessionStartInjectsContext(t *testing.T) {
	eng := newEngine(t)
	d := &Dispatcher{Engine: eng}
	ctx := context.Background()
	p := Payload{HookEventName: EventSessionStart, SessionID: "s"}

	assert.Equal(t, Allow, d.Dispatch(ctx, p).Action)

	_, err := eng.Init(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Dispatch(ctx, p).Action, "no active mode")

	_, err = eng.Enter(ctx, "s", workflow.EnterOptions{Mode: "planning"})
	require.NoError(t, err)

	dec := d.Dispatch(ctx, p)
	require.Equal(t, Inject, dec.Action)
	assert.Contains(t, dec.Context, "planning mode")
	assert.Contains(t, dec.Context, "current phase research")
	assert.Contains(t, dec.Context, "Research the codebase and requirements")
	assert.Contains(t, dec.Context, "Open tasks (3 of 3)")
	assert.Contains(t, dec.Context, "--session s")
}

func TestDispatch_SessionStartFatalInjectsError(t *testing.T) {
	d := &Dispatcher{Engine: stubEngine{err: &errors.StateCorruptionError{SessionID: "s", Path: "p", Err: errors.New("x")}}}
	dec := d.Dispatch(context.Background(), Payload{HookEventName: EventSessionStart, SessionID: "s"})
	require.Equal(t, Inject, dec.Action)
	assert.Contains(t, dec.Context, "teardown --session s")
}

func TestDispatch_PromptSubmitAdvancesPhase(t *testing.T) {
	eng := newEngine(t)
	d := &Dispatcher{Engine: eng}
	ctx := context.Background()
	p := Payload{HookEventName: EventUserPromptSubmit, SessionID: "s", Prompt: "go on"}

	m, err := eng.Enter(ctx, "s", workflow.EnterOptions{Mode: "planning"})
	require.NoError(t, err)
	_, err = eng.UpdateTask(ctx, "s", m.TaskIDs["research"], models.TaskStatusClosed)
	require.NoError(t, err)

	dec := d.Dispatch(ctx, p)
	require.Equal(t, Inject, dec.Action)
	assert.Contains(t, dec.Context, "planning mode, phase design")
	assert.Contains(t, dec.Context, "Open tasks (2 of 3)")

	st, err := eng.Sessions.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "design", st.Phase())
}

func TestDispatch_PromptSubmitErrors(t *testing.T) {
	ctx := context.Background()
	p := Payload{HookEventName: EventUserPromptSubmit, SessionID: "s"}

	d := &Dispatcher{Engine: stubEngine{err: errors.NewConfigError("x", "bad", nil)}}
	assert.Equal(t, Block, d.Dispatch(ctx, p).Action)

	d = &Dispatcher{Engine: stubEngine{err: errors.NewStoreError("list tasks", errors.New("down"))}}
	assert.Equal(t, Allow, d.Dispatch(ctx, p).Action)
}
