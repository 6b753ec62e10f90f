package procrunner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunEchoSucceeds(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "echo", []string{"hello"}, Options{})
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.False(t, res.Killed)
}

func TestRunNonZeroExit(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "sh", []string{"-c", "exit 7"}, Options{})
	assert.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 7, res.Code)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "sleep", []string{"5"}, Options{Timeout: 50 * time.Millisecond})
	assert.NoError(t, err)
	assert.True(t, res.Killed)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.Code)
	assert.True(t, strings.Contains(res.Stderr, "[TIMEOUT]"))
}

func TestRunSpawnErrorDoesNotReturnError(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "definitely-not-a-real-binary-xyz", nil, Options{})
	assert.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.Code)
	assert.NotEmpty(t, res.Stderr)
}

func TestRunOnOutputFiresBeforeBuffering(t *testing.T) {
	r := New()
	var seen []string
	opts := Options{OnOutput: func(chunk string) {
		seen = append(seen, chunk)
	}}
	res, err := r.Run(context.Background(), "echo", []string{"chunked-output"}, opts)
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, seen)
	assert.Equal(t, strings.Join(seen, ""), res.Stdout)
}

func TestRunOutputTruncatedToMaxOutputBytes(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "sh", []string{"-c", "printf '%0.sA' $(seq 1 200)"}, Options{MaxOutputBytes: 50})
	assert.NoError(t, err)
	assert.LessOrEqual(t, len(res.Output), 50)
}

func TestRunRespectsEnv(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo $SYNCD_TEST_VAR"}, Options{
		Env: map[string]string{"SYNCD_TEST_VAR": "present"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "present\n", res.Stdout)
}

func TestRunRespectsDir(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "pwd", nil, Options{Dir: "/tmp"})
	assert.NoError(t, err)
	assert.Equal(t, "/tmp\n", res.Stdout)
}

func TestShellEscapePOSIXHandlesEmbeddedQuote(t *testing.T) {
	got := ShellEscapePOSIX(`it's a "test"`)
	assert.Equal(t, `'it'\''s a "test"'`, got)
}

func TestShellEscapeWindowsHandlesBackslashAndQuote(t *testing.T) {
	got := ShellEscapeWindows(`C:\path\"to"\file`)
	assert.Equal(t, `"C:\\path\\\"to\"\\file"`, got)
}

func TestNormalizeRemotePathLowercasesDriveLetter(t *testing.T) {
	assert.Equal(t, "c:/Users/alice/Documents", NormalizeRemotePath(`C:\Users\alice\Documents`))
}

func TestNormalizeRemotePathLeavesPOSIXPathAlone(t *testing.T) {
	assert.Equal(t, "/home/alice/docs", NormalizeRemotePath("/home/alice/docs"))
}
