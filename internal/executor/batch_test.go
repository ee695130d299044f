package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/language"
	"github.com/dontdude/goxec-engine/internal/workspace"
)

func TestRunBatchSuccess(t *testing.T) {
	cases := []struct {
		language string
		code     string
		source   string
		output   string
	}{
		{"python", "print('Hello from Python!')", "main.py", "Hello from Python!"},
		{"nodejs", "console.log('Hello from Node.js!');", "main.js", "Hello from Node.js!"},
		{"java", `public class Hello { public static void main(String[] args) { System.out.println("Hello from Java!"); } }`, "Hello.java", "Hello from Java!"},
		{"c", "#include <stdio.h>\nint main() { printf(\"Hello from C!\\n\"); return 0; }", "main.c", "Hello from C!"},
		{"cpp", "#include <iostream>\nint main() { std::cout << \"Hello from C++!\" << std::endl; return 0; }", "main.cpp", "Hello from C++!"},
	}

	for _, tc := range cases {
		t.Run(tc.language, func(t *testing.T) {
			rt := &fakeRuntime{stdout: tc.output + "\n", waitDelay: 5 * time.Millisecond}
			e, base := newTestEngine(t, rt)

			result := e.RunBatch(context.Background(), domain.Job{ID: "job-" + tc.language, Language: tc.language, Code: tc.code})

			assert.Equal(t, domain.StatusSuccess, result.Status, result.Stderr)
			assert.Contains(t, result.Stdout, tc.output)
			assert.Empty(t, result.Stderr)
			assert.Greater(t, result.ExecutionTime, 0.0)

			require.Len(t, rt.created, 1)
			assert.Equal(t, tc.code, rt.sources[tc.source])
			assert.Equal(t, []string{"ctr-" + rt.created[0].Name}, rt.removed)
			requireEmptyDir(t, base)
		})
	}
}

func TestRunBatchSandboxLimits(t *testing.T) {
	rt := &fakeRuntime{}
	e, _ := newTestEngine(t, rt)

	e.RunBatch(context.Background(), domain.Job{ID: "limits", Language: "python", Code: "pass"})

	require.Len(t, rt.created, 1)
	spec := rt.created[0]
	assert.Equal(t, "python:3.12-slim", spec.Image)
	assert.Equal(t, []string{"python", "main.py"}, spec.Cmd)
	assert.Equal(t, "/app", spec.WorkDir)
	assert.Equal(t, int64(128*1024*1024), spec.MemoryBytes)
	assert.Equal(t, int64(500_000_000), spec.NanoCPUs)
	assert.False(t, spec.Interactive)
	assert.NotEmpty(t, spec.Workspace)
}

func TestRunBatchRuntimeFault(t *testing.T) {
	rt := &fakeRuntime{
		exitCode: 1,
		stderr:   "Traceback (most recent call last):\nNameError: name 'undefined_variable' is not defined\n",
	}
	e, base := newTestEngine(t, rt)

	result := e.RunBatch(context.Background(), domain.Job{ID: "err", Language: "python", Code: "print(undefined_variable)"})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Empty(t, result.Stdout)
	assert.Contains(t, result.Stderr, "NameError")
	requireEmptyDir(t, base)
}

func TestRunBatchUnsupportedLanguage(t *testing.T) {
	rt := &fakeRuntime{}
	e, base := newTestEngine(t, rt)

	result := e.RunBatch(context.Background(), domain.Job{ID: "rust", Language: "rust", Code: `fn main() { println!("Hello, Rust!"); }`})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, "Unsupported language: rust", result.Stderr)
	assert.Zero(t, rt.createdCount())
	assert.Empty(t, rt.removed)
	requireEmptyDir(t, base)
}

func TestRunBatchJavaWithoutMain(t *testing.T) {
	rt := &fakeRuntime{}
	e, base := newTestEngine(t, rt)

	result := e.RunBatch(context.Background(), domain.Job{ID: "java", Language: "java", Code: "public class Foo { }"})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, "Could not find a public class with a main method", result.Stderr)
	assert.Zero(t, rt.createdCount())
	requireEmptyDir(t, base)
}

func TestRunBatchTimeout(t *testing.T) {
	rt := &fakeRuntime{waitDelay: time.Minute}
	e, base := newTestEngine(t, rt, WithTimeLimit(50*time.Millisecond))

	result := e.RunBatch(context.Background(), domain.Job{ID: "slow", Language: "python", Code: "while True: pass"})

	assert.Equal(t, domain.StatusTimeout, result.Status)
	assert.Empty(t, result.Stdout)
	assert.Contains(t, result.Stderr, "0.05 seconds")
	assert.GreaterOrEqual(t, result.ExecutionTime, 0.05)

	id := "ctr-" + rt.created[0].Name
	require.Len(t, rt.stopped, 1)
	assert.Equal(t, stopCall{id: id, grace: 0}, rt.stopped[0])
	assert.Equal(t, []string{id}, rt.removed)
	requireEmptyDir(t, base)
}

func TestRunBatchDefaultTimeoutMessage(t *testing.T) {
	assert.Equal(t, "Execution exceeded the time limit of 5 seconds", timeoutMessage(DefaultTimeLimit))
}

func TestRunBatchContainerStartError(t *testing.T) {
	rt := &fakeRuntime{createErr: fmt.Errorf("%w: No such image: python:3.12-slim", domain.ErrContainerStart)}
	e, base := newTestEngine(t, rt)

	result := e.RunBatch(context.Background(), domain.Job{ID: "nostart", Language: "python", Code: "pass"})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Stderr, "No such image")
	assert.Empty(t, rt.removed)
	requireEmptyDir(t, base)
}

func TestRunBatchInfrastructureErrors(t *testing.T) {
	cases := []struct {
		name string
		rt   *fakeRuntime
	}{
		{"wait", &fakeRuntime{waitErr: errEngine}},
		{"logs", &fakeRuntime{logsErr: errEngine}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, base := newTestEngine(t, tc.rt)

			result := e.RunBatch(context.Background(), domain.Job{ID: tc.name, Language: "python", Code: "pass"})

			assert.Equal(t, domain.StatusError, result.Status)
			assert.Contains(t, result.Stderr, errEngine.Error())
			assert.Len(t, tc.rt.removed, 1)
			requireEmptyDir(t, base)
		})
	}
}

func TestRunBatchCleanupFailuresAreSwallowed(t *testing.T) {
	rt := &fakeRuntime{stdout: "ok\n", removeErr: errEngine, stopErr: errEngine}
	e, base := newTestEngine(t, rt)

	result := e.RunBatch(context.Background(), domain.Job{ID: "gone", Language: "python", Code: "print('ok')"})

	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, "ok\n", result.Stdout)
	requireEmptyDir(t, base)
}

func TestRunBatchRecoversFromPanics(t *testing.T) {
	rt := &fakeRuntime{panicWait: true}
	e, base := newTestEngine(t, rt)

	var result domain.ExecutionResult
	require.NotPanics(t, func() {
		result = e.RunBatch(context.Background(), domain.Job{ID: "boom", Language: "python", Code: "pass"})
	})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Stderr, "engine exploded")
	assert.Len(t, rt.removed, 1)
	requireEmptyDir(t, base)
}

func TestRunBatchCanceledCallerStillCleansUp(t *testing.T) {
	rt := &fakeRuntime{waitDelay: time.Minute}
	e, base := newTestEngine(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := e.RunBatch(ctx, domain.Job{ID: "cancel", Language: "python", Code: "pass"})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Len(t, rt.removed, 1)
	requireEmptyDir(t, base)
}

func TestRunBatchStartFailureRemovesContainer(t *testing.T) {
	rt := &fakeRuntime{startErr: fmt.Errorf("%w: OCI runtime create failed", domain.ErrContainerStart)}
	e, base := newTestEngine(t, rt)

	result := e.RunBatch(context.Background(), domain.Job{ID: "nostart", Language: "python", Code: "pass"})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Stderr, "OCI runtime create failed")
	require.Len(t, rt.created, 1)
	assert.Equal(t, []string{"ctr-" + rt.created[0].Name}, rt.removedIDs())
	requireEmptyDir(t, base)
}

func TestRunBatchWorkspaceErrorCreatesNoContainer(t *testing.T) {
	rt := &fakeRuntime{}
	logger := slog.New(slog.DiscardHandler)
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	e := New(language.NewDefaultRegistry(), workspace.NewManager(missing, logger), rt, logger)

	result := e.RunBatch(context.Background(), domain.Job{ID: "nows", Language: "python", Code: "pass"})

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Stderr, domain.ErrWorkspace.Error())
	assert.Zero(t, rt.createdCount())
	assert.Empty(t, rt.removedIDs())
}
