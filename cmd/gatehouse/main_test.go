package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gatehouse/pkg/archive"
	"github.com/relaymesh/gatehouse/pkg/audit"
)

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gatehouse", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "gatehouse "+version)
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gatehouse", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gatehouse", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "gatehouse export")
}

func TestRun_Doctor(t *testing.T) {
	t.Setenv("GATEHOUSE_LOGS_DIR", t.TempDir())
	t.Setenv("GATEHOUSE_STORE_BACKEND", "memory")

	var out, errOut bytes.Buffer
	code := Run([]string{"gatehouse", "doctor"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "ok   config")
	assert.Contains(t, out.String(), "ok   store")
}

func TestRun_DoctorBadConfig(t *testing.T) {
	t.Setenv("GATEHOUSE_STORE_BACKEND", "etcd")

	var out, errOut bytes.Buffer
	code := Run([]string{"gatehouse", "doctor"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "FAIL config")
}

func TestRun_ExportDirBackend(t *testing.T) {
	logs := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(logs, audit.RejectionsFile),
		[]byte(`{"intent_id":"a"}`+"\n"), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"gatehouse", "export",
		"-logs-dir", logs, "-backend", "dir", "-dir", target}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var entry archive.Entry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, audit.RejectionsFile, entry.File)
	assert.Equal(t, 1, entry.Lines)
	assert.Contains(t, entry.Hash, "sha256:")
}
