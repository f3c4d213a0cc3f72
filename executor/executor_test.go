package executor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/luabox/executor"
	"github.com/caffeineduck/luabox/hostfunc"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newExecutor(t *testing.T, opts ...executor.ExecutorOption) *executor.Executor {
	t.Helper()
	exec, err := executor.New(hostfunc.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return exec
}

func TestHelloWorld(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print("Hello Buildsystem World!")`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "Hello Buildsystem World!\n" {
		t.Errorf("expected hello output, got %q", result.Output)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestPrintFormatting(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print(1, "a", nil, true, 2.5)`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "1\ta\tnil\ttrue\t2.5\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestIOWriteCaptured(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `io.write("a", 1, "b") io.write("\n")`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "a1b\n" {
		t.Errorf("expected 'a1b\\n', got %q", result.Output)
	}
}

func TestReturnValues(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `return 1 + 1, "x", nil`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	want := []string{"2", "x", "nil"}
	if strings.Join(result.Values, ",") != strings.Join(want, ",") {
		t.Errorf("expected values %v, got %v", want, result.Values)
	}
}

func TestSyntaxError(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print("unterminated`)
	if result.Error == nil {
		t.Fatal("expected compile error")
	}
	if !strings.HasPrefix(result.Error.Error(), "compile:") {
		t.Errorf("expected compile: prefix, got %v", result.Error)
	}
}

func TestRuntimeError(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print("before") error("boom")`, executor.WithChunkName("job.lua"))
	if result.Error == nil {
		t.Fatal("expected runtime error")
	}
	msg := result.Error.Error()
	if !strings.HasPrefix(msg, "execution failed:") {
		t.Errorf("expected execution failed prefix, got %v", msg)
	}
	if !strings.Contains(msg, "boom") || !strings.Contains(msg, "job.lua") {
		t.Errorf("expected error to mention boom and chunk name, got %v", msg)
	}
	if result.Output != "before\n" {
		t.Errorf("output before the error should be kept, got %q", result.Output)
	}
}

func TestTimeout(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `while true do end`, executor.WithTimeout(100*time.Millisecond))
	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if result.Error.Error() != "timeout after 100ms" {
		t.Errorf("expected timeout error, got %v", result.Error)
	}
}

func TestCanceledContext(t *testing.T) {
	exec := newExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := exec.Run(ctx, `while true do end`, executor.WithTimeout(0))
	if result.Error == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(result.Error, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Error)
	}
}

func TestNoStateLeaksBetweenRuns(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `leaked = 42`)
	if result.Error != nil {
		t.Fatalf("first run failed: %v", result.Error)
	}

	result = exec.Run(context.Background(), `print(leaked)`)
	if result.Error != nil {
		t.Fatalf("second run failed: %v", result.Error)
	}
	if result.Output != "nil\n" {
		t.Errorf("global leaked between runs: %q", result.Output)
	}
}

func TestSafeLibs(t *testing.T) {
	exec := newExecutor(t, executor.WithLibs(executor.SafeLibs()...))

	result := exec.Run(context.Background(), `print(os == nil, io == nil, debug == nil, string.upper("ok"))`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "true\ttrue\ttrue\tOK\n" {
		t.Errorf("unexpected output %q", result.Output)
	}

	libs := exec.Libs()
	if len(libs) != len(executor.SafeLibs()) {
		t.Errorf("expected %d libs, got %v", len(executor.SafeLibs()), libs)
	}
}

func TestSafeLibsCannotLoadHostFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outside.lua")
	if err := os.WriteFile(path, []byte(`return "leaked"`), 0o644); err != nil {
		t.Fatal(err)
	}

	safe := newExecutor(t, executor.WithLibs(executor.SafeLibs()...))
	for _, code := range []string{
		fmt.Sprintf(`return dofile(%q)`, path),
		fmt.Sprintf(`return loadfile(%q)()`, path),
		fmt.Sprintf(`package.path = %q; return require("outside")`, dir+"/?.lua"),
	} {
		result := safe.Run(context.Background(), code)
		if result.Error == nil {
			t.Errorf("%s: expected error, got values %v", code, result.Values)
		}
	}

	result := safe.Run(context.Background(), `package.preload.m = function() return "pre" end return require("m")`)
	if result.Error != nil {
		t.Fatalf("preloaded require failed: %v", result.Error)
	}
	if len(result.Values) != 1 || result.Values[0] != "pre" {
		t.Errorf("expected preloaded module, got %v", result.Values)
	}

	all := newExecutor(t)
	result = all.Run(context.Background(), fmt.Sprintf(`return dofile(%q)`, path))
	if result.Error != nil {
		t.Fatalf("dofile with all libs failed: %v", result.Error)
	}
	if len(result.Values) != 1 || result.Values[0] != "leaked" {
		t.Errorf("expected dofile to work with io enabled, got %v", result.Values)
	}
}

func TestOSExitEndsOnlyTheRun(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print("before") os.exit(3) print("after")`)
	var exit *executor.ExitError
	if !errors.As(result.Error, &exit) {
		t.Fatalf("expected ExitError, got %v", result.Error)
	}
	if exit.Code != 3 {
		t.Errorf("expected exit status 3, got %d", exit.Code)
	}
	if result.Output != "before\n" {
		t.Errorf("expected output up to the exit, got %q", result.Output)
	}

	result = exec.Run(context.Background(), `pcall(os.exit, 2) print("after")`)
	if !errors.As(result.Error, &exit) || exit.Code != 2 {
		t.Fatalf("pcall must not catch os.exit, got %v", result.Error)
	}
	if result.Output != "" {
		t.Errorf("run continued after os.exit: %q", result.Output)
	}

	for _, code := range []string{`os.exit()`, `os.exit(0)`, `os.exit(true)`} {
		if r := exec.Run(context.Background(), code); r.Error != nil {
			t.Errorf("%s: expected clean exit, got %v", code, r.Error)
		}
	}
	if r := exec.Run(context.Background(), `os.exit(false)`); !errors.As(r.Error, &exit) || exit.Code != 1 {
		t.Errorf("os.exit(false): expected status 1, got %v", r.Error)
	}

	if r := exec.Run(context.Background(), `print("still running")`); r.Output != "still running\n" {
		t.Errorf("executor unusable after os.exit: %q, %v", r.Output, r.Error)
	}
}

func TestIOStreamsCaptured(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `
io.stdout:write("a", 1)
io.output():write("b")
io.write("c"):write("d")
io.stderr:write("e")
print(tostring(io.stdout))
`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "a1bcdefile\n" {
		t.Errorf("expected all streams captured, got %q", result.Output)
	}
}

func TestIOStdoutRespectsOutputLimit(t *testing.T) {
	exec := newExecutor(t, executor.WithMaxOutput(10))

	result := exec.Run(context.Background(), `io.stdout:write(string.rep("x", 30))`)
	if !errors.Is(result.Error, executor.ErrOutputLimit) {
		t.Fatalf("expected ErrOutputLimit, got %v", result.Error)
	}
	if len(result.Output) != 10 {
		t.Errorf("expected output truncated to 10 bytes, got %d", len(result.Output))
	}
}

func TestIOOutputRedirect(t *testing.T) {
	exec := newExecutor(t)
	path := filepath.Join(t.TempDir(), "out.txt")

	result := exec.Run(context.Background(), fmt.Sprintf(`
io.output(%q)
io.write("to file")
io.close()
io.output(io.stdout)
io.write("back")
`, path))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "back" {
		t.Errorf("expected captured output after redirect, got %q", result.Output)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "to file" {
		t.Errorf("expected file contents, got %q", data)
	}
}

func TestCallStackLimit(t *testing.T) {
	exec := newExecutor(t, executor.WithCallStackSize(64))

	result := exec.Run(context.Background(), `
local function deep(n) return 1 + deep(n + 1) end
deep(0)
`)
	if result.Error == nil {
		t.Fatal("expected stack overflow")
	}
	if !strings.Contains(result.Error.Error(), "stack overflow") {
		t.Errorf("expected stack overflow error, got %v", result.Error)
	}
}

func TestOutputLimit(t *testing.T) {
	exec := newExecutor(t, executor.WithMaxOutput(16))

	result := exec.Run(context.Background(), `for i = 1, 100 do print("xxxxxxxx") end`)
	if !errors.Is(result.Error, executor.ErrOutputLimit) {
		t.Fatalf("expected ErrOutputLimit, got %v", result.Error)
	}
	if len(result.Output) != 16 {
		t.Errorf("expected output truncated to 16 bytes, got %d", len(result.Output))
	}
}

func TestOutputLimitCaughtByPcall(t *testing.T) {
	exec := newExecutor(t, executor.WithMaxOutput(4))

	result := exec.Run(context.Background(), `pcall(print, "too long") return "done"`)
	if !errors.Is(result.Error, executor.ErrOutputLimit) {
		t.Fatalf("overflow must fail the run even when caught, got %v", result.Error)
	}
}

func TestCompileCache(t *testing.T) {
	exec := newExecutor(t, executor.WithCompileCacheSize(2))

	for _, code := range []string{`return 1`, `return 1`, `return 2`} {
		if r := exec.Run(context.Background(), code); r.Error != nil {
			t.Fatalf("run %q failed: %v", code, r.Error)
		}
	}
	if n := exec.CachedChunks(); n != 2 {
		t.Errorf("expected 2 cached chunks, got %d", n)
	}

	exec.Run(context.Background(), `return 3`)
	if n := exec.CachedChunks(); n != 2 {
		t.Errorf("cache should stay bounded at 2, got %d", n)
	}
}

func TestCompileCacheDisabled(t *testing.T) {
	exec := newExecutor(t, executor.WithCompileCacheSize(0))

	exec.Run(context.Background(), `return 1`)
	if n := exec.CachedChunks(); n != 0 {
		t.Errorf("expected no cached chunks, got %d", n)
	}
}

func TestClosedExecutor(t *testing.T) {
	exec, err := executor.New(hostfunc.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	result := exec.Run(context.Background(), `print(1)`)
	if !errors.Is(result.Error, executor.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", result.Error)
	}
	if _, err := exec.NewSession(); !errors.Is(err, executor.ErrClosed) {
		t.Errorf("expected ErrClosed from NewSession, got %v", err)
	}
}

func TestConcurrentRuns(t *testing.T) {
	exec := newExecutor(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result := exec.Run(context.Background(), fmt.Sprintf(`local x = %d print(x * 2)`, n))
			if result.Error != nil {
				errs <- result.Error
				return
			}
			if want := fmt.Sprintf("%d\n", n*2); result.Output != want {
				errs <- fmt.Errorf("run %d: expected %q, got %q", n, want, result.Output)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestCustomHostFunction(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
		name, _ := args["name"].(string)
		return "Hello, " + name + "!", nil
	})
	registry.Register("fail", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("refused")
	})

	exec, err := executor.New(registry)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	defer exec.Close()

	result := exec.Run(context.Background(), `
print(_host_call("greet", {name = "World"}))
print(_host_call("fail", {}))
print(_host_call("missing", {}))
print(_host_call("greet", {1, 2}))
`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	want := "Hello, World!\n" +
		"nil\trefused\n" +
		"nil\tunknown function: missing\n" +
		"nil\thost call arguments must be a table of named fields\n"
	if result.Output != want {
		t.Errorf("expected %q, got %q", want, result.Output)
	}
}

func TestHostFunctionStructuredResult(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("info", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{
			"name": "luabox",
			"tags": []any{"a", "b"},
			"n":    3,
		}, nil
	})

	exec, err := executor.New(registry)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	defer exec.Close()

	result := exec.Run(context.Background(), `
local info = _host_call("info", {})
print(info.name, #info.tags, info.tags[2], info.n)
`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "luabox\t2\tb\t3\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestClockNow(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `local t = clock.now() print(type(t), t > 0)`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "number\ttrue\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestKVDisabledByDefault(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print(kv.get("a"))`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "nil\tunknown function: kv_get\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestKV(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `
print(kv.set("count", 1))
print(kv.get("count"))
print(kv.get("missing", "fallback"))
kv.set("b", "2")
local keys = kv.keys()
print(#keys, keys[1], keys[2])
kv.delete("count")
print(kv.get("count"))
`, executor.WithKV())
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	want := "ok\n1\nfallback\n2\tb\tcount\nnil\n"
	if result.Output != want {
		t.Errorf("expected %q, got %q", want, result.Output)
	}
}

func TestKVStorePersistsAcrossRuns(t *testing.T) {
	exec := newExecutor(t)
	store := hostfunc.NewMemoryKV()
	defer store.Close()

	r := exec.Run(context.Background(), `kv.set("k", "v")`, executor.WithKVStore(store))
	if r.Error != nil {
		t.Fatalf("first run failed: %v", r.Error)
	}

	r = exec.Run(context.Background(), `print(kv.get("k"))`, executor.WithKVStore(store))
	if r.Error != nil {
		t.Fatalf("second run failed: %v", r.Error)
	}
	if r.Output != "v\n" {
		t.Errorf("expected stored value, got %q", r.Output)
	}
}

func TestKVMaxEntries(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `
kv.set("a", "1")
print(kv.set("b", "2"))
`, executor.WithKV(), executor.WithKVMaxEntries(1))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "nil\tkv store full (max 1 entries)\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestFilesystemReadOnly(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "in.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := newExecutor(t)
	result := exec.Run(context.Background(), `
print(fs.read("/data/in.txt"))
print(fs.write("/data/in.txt", "changed"))
print(fs.exists("/data/in.txt"), fs.exists("/data/none.txt"))
`, executor.WithMount("/data", dir, executor.MountReadOnly))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	want := "payload\nnil\tpermission denied: read-only mount\ntrue\tfalse\n"
	if result.Output != want {
		t.Errorf("expected %q, got %q", want, result.Output)
	}
}

func TestFilesystemReadWriteCreate(t *testing.T) {
	dir := t.TempDir()

	exec := newExecutor(t)
	result := exec.Run(context.Background(), `
assert(fs.mkdir("/out/sub"))
assert(fs.write("/out/sub/result.txt", 42))
local entries = fs.list("/out/sub")
print(#entries, entries[1].name, entries[1].is_dir)
print(fs.stat("/out/sub/result.txt").size)
`, executor.WithMount("/out", dir, executor.MountReadWriteCreate))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "1\tresult.txt\tfalse\n2\n" {
		t.Errorf("unexpected output %q", result.Output)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sub", "result.txt"))
	if err != nil {
		t.Fatalf("expected file on host: %v", err)
	}
	if string(data) != "42" {
		t.Errorf("expected '42', got %q", data)
	}
}

func TestFilesystemEscape(t *testing.T) {
	dir := t.TempDir()

	exec := newExecutor(t)
	result := exec.Run(context.Background(), `print(fs.read("/data/../../etc/passwd"))`,
		executor.WithMount("/data", dir, executor.MountReadOnly))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if !strings.HasPrefix(result.Output, "nil\tpermission denied") {
		t.Errorf("expected permission denied, got %q", result.Output)
	}
}

func TestHTTPDisabledWithoutAllowedHosts(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print(http.get("http://example.com"))`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "nil\tunknown function: http_get\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestHTTPHostNotAllowed(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `print(http.get("http://evil.example.org/"))`,
		executor.WithAllowedHosts([]string{"api.example.com"}))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "nil\thost not allowed: evil.example.org\n" {
		t.Errorf("unexpected output %q", result.Output)
	}
}

func TestAsExpression(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{`1 + 1`, true},
		{`math.max(1, 2)`, true},
		{`x = 1`, false},
		{`local y = 2`, false},
		{`for i = 1, 2 do end`, false},
	}

	for _, tt := range tests {
		chunk, ok := executor.AsExpression(tt.code)
		if ok != tt.want {
			t.Errorf("AsExpression(%q) = %v, want %v", tt.code, ok, tt.want)
		}
		if ok && chunk != "return "+tt.code {
			t.Errorf("AsExpression(%q) chunk = %q", tt.code, chunk)
		}
	}
}

func TestIOCloseKeepsStandardFiles(t *testing.T) {
	exec := newExecutor(t)

	result := exec.Run(context.Background(), `
local ok, err = io.close()
print(ok, err)
print(io.stdout:close())
io.write("open")
`)
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	want := "nil\tcannot close standard file\nnil\tcannot close standard file\nopen"
	if result.Output != want {
		t.Errorf("expected standard files to stay open, got %q", result.Output)
	}
}
