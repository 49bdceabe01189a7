package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workerchan "github.com/machinefabric/workerchan-go"
)

func TestParseInputs(t *testing.T) {
	in, err := parseInputs([]string{"name=alice", "query=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, []workerchan.Input{
		{Name: "name", Data: []byte("alice")},
		{Name: "query", Data: []byte("a=b")},
		{Name: "empty", Data: []byte("")},
	}, in)

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseInputs([]string{"=x"})
	assert.Error(t, err)
}

func TestPrintOutputsSorted(t *testing.T) {
	var buf bytes.Buffer
	printOutputs(&buf, map[string][]byte{"b": []byte("2"), "a": []byte("1")}, []byte("r"))
	assert.Equal(t, "a: 1\nb: 2\n$return: r\n", buf.String())
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, workerchan.WorkerStatus{
		IsReady:      true,
		State:        workerchan.StateInitialized | workerchan.StateInvocationBuffersInitialized,
		Latency:      3 * time.Millisecond,
		Capabilities: map[string]string{"WorkerStatus": "true"},
	})
	out := buf.String()
	assert.Contains(t, out, "ready:   true")
	assert.Contains(t, out, "state:   Initialized|InvocationBuffersInitialized")
	assert.Contains(t, out, "latency: 3ms")
	assert.Contains(t, out, "capability WorkerStatus=true")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[worker]
id = "w1"
path = "/usr/bin/worker"

[[functions]]
id = "f1"
name = "hello"
`), 0o644))

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "ok (1 functions)")

	root = newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"validate", "--config", filepath.Join(dir, "missing.toml")})
	assert.Error(t, root.Execute())
}

func TestInvokeRequiresFunction(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"invoke"})
	assert.Error(t, root.Execute())
}
