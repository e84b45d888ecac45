package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpwatch/internal/storage"
	"cdpwatch/pkg/domain"
)

func TestPrintEventText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printEvent(&buf, domain.NetworkEvent{Type: "response", Method: "GET", URL: "https://x/", Status: 200, FromCache: true, RedirectCount: 2}, false))
	line := buf.String()
	assert.Contains(t, line, "200")
	assert.Contains(t, line, "https://x/")
	assert.Contains(t, line, "(cache)")
	assert.Contains(t, line, "(redirects: 2)")

	buf.Reset()
	require.NoError(t, printEvent(&buf, domain.NetworkEvent{Type: "requestfailed", Method: "GET", URL: "https://x/", FailureText: "net::ERR_FAILED"}, false))
	assert.Contains(t, buf.String(), "ERR")
	assert.Contains(t, buf.String(), "net::ERR_FAILED")
}

func TestPrintEventJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printEvent(&buf, domain.NetworkEvent{Type: "response", URL: "https://x/", Status: 204}, true))
	out := gjson.Parse(strings.TrimSpace(buf.String()))
	assert.Equal(t, "response", out.Get("type").String())
	assert.Equal(t, int64(204), out.Get("status").Int())
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "history.sqlite3")
	store, err := storage.Open(storage.Options{DSN: dsn, Prefix: "cdpwatch_"})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(),
		&storage.Record{RunID: "r1", URL: "https://x/ok", Method: "GET", Status: 200, CreatedAt: time.Now().Add(-time.Second)},
		&storage.Record{RunID: "r1", URL: "https://x/bad", Method: "POST", Failed: true, FailureText: "net::ERR_FAILED"},
	))
	require.NoError(t, store.Close())

	cfgPath := filepath.Join(dir, "cdpwatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sqlite:\n  dsn: "+dsn+"\nlog:\n  level: error\n"), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"history", "-c", cfgPath, "--failed"})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, "URL")
	assert.Contains(t, text, "https://x/bad")
	assert.NotContains(t, text, "https://x/ok")
}

func TestInvalidConfigFails(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: loud\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"history", "-c", cfgPath})
	assert.Error(t, root.Execute())
}
