package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

func TestReadDocument(t *testing.T) {
	doc, err := readDocument(`{"a":1}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(doc))

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tracks":[1,2]}`), 0o600))
	doc, err = readDocument("@" + path)
	require.NoError(t, err)
	require.JSONEq(t, `{"tracks":[1,2]}`, string(doc))

	doc, err = readDocument("")
	require.NoError(t, err)
	require.Nil(t, doc)

	_, err = readDocument("@" + filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestPrintResultFormats(t *testing.T) {
	resp := protocol.ProcessResponse{ID: "p1", Type: "sync_state", Data: protocol.Document(`{"ok":true}`), Status: "done"}
	defer func(prev string) { outputFmt = prev }(outputFmt)

	var buf bytes.Buffer
	outputFmt = "json"
	require.NoError(t, printResult(&buf, resp))
	require.JSONEq(t, `{"id":"p1","type":"sync_state","data":{"ok":true},"status":"done"}`, buf.String())

	buf.Reset()
	outputFmt = "yaml"
	require.NoError(t, printResult(&buf, resp))
	require.Contains(t, buf.String(), "data:\n  ok: true\n")
	require.Contains(t, buf.String(), "status: done\n")

	outputFmt = "xml"
	require.Error(t, printResult(&buf, resp))
}

func TestInitLoggerRejectsUnknownValues(t *testing.T) {
	require.NoError(t, initLogger(LogSettings{Level: "debug", Format: "json"}))
	require.Error(t, initLogger(LogSettings{Level: "loud"}))
	require.Error(t, initLogger(LogSettings{Format: "xml"}))
	require.NoError(t, initLogger(LogSettings{}))
}
