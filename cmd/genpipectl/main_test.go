package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSplit(t *testing.T) {
	var out bytes.Buffer
	err := runSplit(nil, strings.NewReader("Hello there.  How are you?"), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"sequence":0,"text":"Hello there."}`, lines[0])
	assert.JSONEq(t, `{"sequence":1,"text":"How are you?"}`, lines[1])
}

func TestRunSchedule(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSchedule(nil, &out))
	assert.Equal(t,
		"attempt 1: timeout 20s, wait after failure 1s, after timeout 3s\n"+
			"attempt 2: timeout 30s, wait after failure 2s, after timeout 6s\n"+
			"attempt 3: timeout 40s\n",
		out.String())
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("runtime_name: test\n"), 0o600))
	var out bytes.Buffer
	require.NoError(t, runValidate([]string{"-config", good}, &out))
	assert.Equal(t, "config valid\n", out.String())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pipeline:\n  max_attempts: 0\n"), 0o600))
	assert.Error(t, runValidate([]string{"-config", bad}, &out))
}
