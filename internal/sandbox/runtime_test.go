package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chispa/pkg/schema"
)

// fakeEngine records container specs and plays back scripted output.
type fakeEngine struct {
	specs    []ContainerSpec
	logs     []string
	exitCode int
	runErr   error
}

func (f *fakeEngine) EnsureImage(ctx context.Context, image string) error {
	return nil
}

func (f *fakeEngine) Run(ctx context.Context, spec ContainerSpec, sink LogSink) (int, error) {
	if spec.Stdin != nil {
		// Buffer stdin so the test can inspect it after Run returns.
		data, _ := io.ReadAll(spec.Stdin)
		spec.Stdin = strings.NewReader(string(data))
	}
	f.specs = append(f.specs, spec)
	if f.runErr != nil {
		return -1, f.runErr
	}
	for _, chunk := range f.logs {
		sink(chunk)
	}
	return f.exitCode, nil
}

func newTestRuntime(t *testing.T, eng Engine) *Runtime {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Remove() })
	return NewRuntime(eng, DefaultImage, ws)
}

func TestRuntime_ShellExec(t *testing.T) {
	eng := &fakeEngine{logs: []string{"hello\n"}, exitCode: 0}
	rt := newTestRuntime(t, eng)

	var out []string
	code, err := rt.Execute(context.Background(), "shell.exec 'echo hello'", func(chunk string) {
		out = append(out, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"hello\n"}, out)

	require.Len(t, eng.specs, 1)
	spec := eng.specs[0]
	assert.Equal(t, []string{"sh", "-c", "echo hello"}, spec.Cmd)
	assert.Equal(t, DefaultWorkingDir, spec.WorkingDir)
	require.Len(t, spec.Binds, 1)
	assert.True(t, strings.HasSuffix(spec.Binds[0], ":"+DefaultWorkingDir))
}

func TestRuntime_ShellExecNonZeroExit(t *testing.T) {
	eng := &fakeEngine{exitCode: 2}
	rt := newTestRuntime(t, eng)

	code, err := rt.Execute(context.Background(), "shell.exec false", func(string) {})
	require.NoError(t, err)
	assert.Equal(t, 2, code)
}

func TestRuntime_BareCommandFallsBackToShell(t *testing.T) {
	eng := &fakeEngine{logs: []string{"hi\n"}, exitCode: 0}
	rt := newTestRuntime(t, eng)

	var out []string
	code, err := rt.Execute(context.Background(), "echo hi && touch out.txt", func(chunk string) {
		out = append(out, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"hi\n"}, out)

	require.Len(t, eng.specs, 1)
	assert.Equal(t, []string{"sh", "-c", "echo hi && touch out.txt"}, eng.specs[0].Cmd)
}

func TestRuntime_DottedHeadWithoutAdapterFallsBackToShell(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"unknown namespace", "network.exec ls"},
		{"empty namespace", ".exec ls"},
		{"dotted binary", "./run.sh --all"},
		{"no separator", "shellexec ls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{exitCode: 0}
			rt := newTestRuntime(t, eng)

			code, err := rt.Execute(context.Background(), tt.command, func(string) {})
			require.NoError(t, err)
			assert.Equal(t, 0, code)

			require.Len(t, eng.specs, 1)
			assert.Equal(t, []string{"sh", "-c", tt.command}, eng.specs[0].Cmd)
		})
	}
}

func TestRuntime_DispatchErrors(t *testing.T) {
	rt := newTestRuntime(t, &fakeEngine{})

	tests := []struct {
		name    string
		command string
	}{
		{"unknown shell op", "shell.run ls"},
		{"unknown file op", "file.delete a.txt"},
		{"empty shell command", "shell.exec"},
		{"empty command", "   "},
		{"unterminated quote", "shell.exec 'ls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Execute(context.Background(), tt.command, func(string) {})
			require.Error(t, err)

			var rerr *schema.RuntimeError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, schema.ErrCodeAdapter, rerr.Code)
		})
	}
}

func TestRuntime_FileWrite(t *testing.T) {
	eng := &fakeEngine{exitCode: 0}
	rt := newTestRuntime(t, eng)

	var out []string
	code, err := rt.Execute(context.Background(), `file.write notes.txt 'line one'`, func(chunk string) {
		out = append(out, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, 0, code)

	require.Len(t, eng.specs, 1)
	spec := eng.specs[0]
	assert.Equal(t, []string{"sh", "-c", "cat > /app/notes.txt"}, spec.Cmd)

	require.NotNil(t, spec.Stdin)
	content, err := io.ReadAll(spec.Stdin)
	require.NoError(t, err)
	assert.Equal(t, "line one", string(content))

	require.NotEmpty(t, out)
	assert.Contains(t, out[len(out)-1], "wrote /app/notes.txt")
}

func TestRuntime_FileWriteStripsDirectories(t *testing.T) {
	eng := &fakeEngine{exitCode: 0}
	rt := newTestRuntime(t, eng)

	_, err := rt.Execute(context.Background(), "file.write sub/dir/out.txt data", func(string) {})
	require.NoError(t, err)

	require.Len(t, eng.specs, 1)
	assert.Equal(t, []string{"sh", "-c", "cat > /app/out.txt"}, eng.specs[0].Cmd)
}

func TestRuntime_FilePathHardening(t *testing.T) {
	rt := newTestRuntime(t, &fakeEngine{})

	tests := []struct {
		name    string
		command string
	}{
		{"absolute path", "file.read /etc/passwd"},
		{"parent traversal", "file.read ../secret"},
		{"nested traversal", "file.write a/../../b data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Execute(context.Background(), tt.command, func(string) {})
			require.Error(t, err)

			var rerr *schema.RuntimeError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, schema.ErrCodeAdapter, rerr.Code)
		})
	}
}

func TestRuntime_FileRead(t *testing.T) {
	eng := &fakeEngine{logs: []string{"contents"}, exitCode: 0}
	rt := newTestRuntime(t, eng)

	var out strings.Builder
	code, err := rt.Execute(context.Background(), "file.read notes.txt", func(chunk string) {
		out.WriteString(chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "contents", out.String())
	require.Len(t, eng.specs, 1)
	assert.Equal(t, []string{"cat", "/app/notes.txt"}, eng.specs[0].Cmd)
}

func TestRuntime_FileListDefaultsToWorkspace(t *testing.T) {
	eng := &fakeEngine{exitCode: 0}
	rt := newTestRuntime(t, eng)

	_, err := rt.Execute(context.Background(), "file.list", func(string) {})
	require.NoError(t, err)

	require.Len(t, eng.specs, 1)
	assert.Equal(t, []string{"ls", "-la", DefaultWorkingDir}, eng.specs[0].Cmd)
}

func TestRuntime_EngineErrorPropagates(t *testing.T) {
	eng := &fakeEngine{runErr: errors.New("daemon unreachable")}
	rt := newTestRuntime(t, eng)

	_, err := rt.Execute(context.Background(), "shell.exec ls", func(string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon unreachable")
}

func TestWorkspace_Lifecycle(t *testing.T) {
	base := t.TempDir()

	ws1, err := NewWorkspace(base)
	require.NoError(t, err)
	ws2, err := NewWorkspace(base)
	require.NoError(t, err)

	assert.NotEqual(t, ws1.Root(), ws2.Root())
	assert.DirExists(t, ws1.Root())

	assert.Equal(t, ws1.Root()+":"+DefaultWorkingDir, ws1.Bind(DefaultWorkingDir))

	require.NoError(t, ws1.Remove())
	assert.NoDirExists(t, ws1.Root())
	require.NoError(t, ws2.Remove())
}
