package invoker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStub creates an executable shell script standing in for codex.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codex-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunParsesThreadAndReply(t *testing.T) {
	bin := writeStub(t, `
echo '{"type":"thread.started","thread_id":"0198c5c1-stub"}'
echo '{"type":"item.completed","item":{"type":"reasoning","text":"ignore me"}}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"hello from codex"}}'
`)
	r := New(bin, Policy{}, 0)
	res, err := r.Run(context.Background(), Request{Prompt: "hi", CWD: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "0198c5c1-stub", res.SessionID)
	assert.Equal(t, "hello from codex", res.Reply)
}

func TestRunJoinsMultipleAgentMessages(t *testing.T) {
	bin := writeStub(t, `
echo '{"type":"thread.started","thread_id":"t1"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"part one"}}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"part two"}}'
`)
	r := New(bin, Policy{}, 0)
	res, err := r.Run(context.Background(), Request{Prompt: "hi", CWD: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "part one\n\npart two", res.Reply)
}

func TestRunSkipsNoiseLines(t *testing.T) {
	bin := writeStub(t, `
echo 'warming up...'
echo '{"type":"thread.started","thread_id":"t2"}'
echo 'not json at all'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"ok"}}'
`)
	r := New(bin, Policy{}, 0)
	res, err := r.Run(context.Background(), Request{Prompt: "hi", CWD: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Reply)
}

func TestRunNewSessionArgs(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	bin := writeStub(t, `
printf '%s\n' "$@" > `+argsFile+`
echo '{"type":"thread.started","thread_id":"t3"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
`)
	r := New(bin, Policy{}, 0)
	_, err := r.Run(context.Background(), Request{Prompt: "build it", CWD: dir})
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Equal(t, []string{"exec", "--json", "--skip-git-repo-check", "build it"}, args)
}

func TestRunResumeArgs(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	bin := writeStub(t, `
printf '%s\n' "$@" > `+argsFile+`
echo '{"type":"thread.started","thread_id":"t4"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
`)
	r := New(bin, Policy{}, 0)
	_, err := r.Run(context.Background(), Request{
		Prompt:          "continue",
		CWD:             dir,
		ResumeSessionID: "0198c5c1-abcd",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Equal(t, []string{
		"exec", "resume", "--json", "--skip-git-repo-check",
		"0198c5c1-abcd", "continue",
	}, args)
}

func TestRunBypassLevelOneArgs(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	bin := writeStub(t, `
printf '%s\n' "$@" > `+argsFile+`
echo '{"type":"thread.started","thread_id":"t5"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
`)
	r := New(bin, Policy{BypassLevel: 1}, 0)
	_, err := r.Run(context.Background(), Request{Prompt: "p", CWD: dir})
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Equal(t, []string{
		"exec",
		"-c", `sandbox_mode="danger-full-access"`,
		"-c", `approval_policy="never"`,
		"--json", "--skip-git-repo-check",
		"p",
	}, args)
}

func TestRunBypassLevelTwoArgs(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	bin := writeStub(t, `
printf '%s\n' "$@" > `+argsFile+`
echo '{"type":"thread.started","thread_id":"t6"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
`)
	r := New(bin, Policy{BypassLevel: 2}, 0)
	_, err := r.Run(context.Background(), Request{Prompt: "p", CWD: dir})
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Equal(t, []string{
		"exec", "--json", "--skip-git-repo-check",
		"--dangerously-bypass-approvals-and-sandbox",
		"p",
	}, args)
}

func TestRunNonZeroExit(t *testing.T) {
	bin := writeStub(t, `
echo 'partial output'
echo 'something broke' >&2
exit 3
`)
	r := New(bin, Policy{}, 0)
	_, err := r.Run(context.Background(), Request{Prompt: "p", CWD: t.TempDir()})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailExit, f.Kind)
	assert.Contains(t, f.Message, "status 3")
	assert.Contains(t, f.Diagnostic, "something broke")
	assert.Contains(t, f.Diagnostic, "partial output")
}

func TestRunEmptyOutputIsUnparsable(t *testing.T) {
	bin := writeStub(t, `
echo 'no structured events here'
`)
	r := New(bin, Policy{}, 0)
	_, err := r.Run(context.Background(), Request{Prompt: "p", CWD: t.TempDir()})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailUnparsable, f.Kind)
	assert.Contains(t, f.Diagnostic, "no structured events here")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	bin := writeStub(t, `
sleep 30
`)
	r := New(bin, Policy{}, 150*time.Millisecond)
	start := time.Now()
	_, err := r.Run(context.Background(), Request{Prompt: "p", CWD: t.TempDir()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailTimeout, f.Kind)
}

func TestRunMissingBinary(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "nope"), Policy{}, 0)
	_, err := r.Run(context.Background(), Request{Prompt: "p", CWD: t.TempDir()})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailSpawn, f.Kind)
}

func TestResolveBinPrefersConfigured(t *testing.T) {
	assert.Equal(t, "/opt/codex", ResolveBin("/opt/codex"))
}

func TestTomlString(t *testing.T) {
	assert.Equal(t, `"never"`, tomlString("never"))
	assert.Equal(t, `"a\"b"`, tomlString(`a"b`))
	assert.Equal(t, `"a\\b"`, tomlString(`a\b`))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 100))
	long := strings.Repeat("x", 50) + "tailpart"
	got := tail(long, 8)
	assert.Equal(t, "…tailpart", got)
}
