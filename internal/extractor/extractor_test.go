package extractor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"Go2NetSentry/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cfm.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newExtractor(t *testing.T, script, timeout string) (*Extractor, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "csv")
	e, err := New(config.ExtractorConfig{
		Command:    []string{"/bin/sh", script, "{input}", "{output_dir}"},
		OutputDir:  out,
		OutputName: "{base}_Flow.csv",
		Timeout:    timeout,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e, out
}

const writeFlows = `base=$(basename "$1" .pcap)
printf 'Src IP,Dst IP,Src Port,Dst Port,Protocol,Flow Duration\n10.0.0.1,10.0.0.2,1234,80,6,10\n10.0.0.3,10.0.0.2,1235,80,6,20\n' > "$2/${base}_Flow.csv"
`

func TestExtract_Success(t *testing.T) {
	e, out := newExtractor(t, writeScript(t, writeFlows), "5s")

	set, csvPath, err := e.Extract(context.Background(), "/data/pcap_splits/chunk_000003.pcap")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "chunk_000003_Flow.csv"), csvPath)
	assert.Len(t, set.Flows, 2)
	assert.Equal(t, []string{"Flow Duration"}, set.Columns)
}

func TestExtract_NonZeroExit(t *testing.T) {
	script := writeScript(t, "echo 'java.lang.OutOfMemoryError' >&2\nexit 3\n")
	e, _ := newExtractor(t, script, "5s")

	_, _, err := e.Extract(context.Background(), "chunk_000001.pcap")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)

	var xerr *ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, ReasonExit, xerr.Reason)
	assert.Equal(t, 3, xerr.ExitCode)
	assert.Contains(t, xerr.Output, "OutOfMemoryError")
}

func TestExtract_Timeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	e, _ := newExtractor(t, script, "100ms")

	_, _, err := e.Extract(context.Background(), "chunk_000001.pcap")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)

	var xerr *ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, ReasonTimeout, xerr.Reason)
}

func TestExtract_MissingOutput(t *testing.T) {
	e, _ := newExtractor(t, writeScript(t, "exit 0\n"), "5s")

	_, _, err := e.Extract(context.Background(), "chunk_000001.pcap")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)

	var xerr *ExtractionError
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, ReasonMissingOutput, xerr.Reason)
}

func TestExtract_StaleOutputIsNotReused(t *testing.T) {
	e, out := newExtractor(t, writeScript(t, "exit 0\n"), "5s")
	stale := filepath.Join(out, "chunk_000001_Flow.csv")
	require.NoError(t, os.WriteFile(stale, []byte("src ip,dst ip,src port,dst port,protocol\n"), 0644))

	_, _, err := e.Extract(context.Background(), "chunk_000001.pcap")
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestExtract_MalformedOutput(t *testing.T) {
	script := writeScript(t, `base=$(basename "$1" .pcap)
printf 'Src IP,Dst IP\n10.0.0.1,10.0.0.2\n' > "$2/${base}_Flow.csv"
`)
	e, out := newExtractor(t, script, "5s")

	_, csvPath, err := e.Extract(context.Background(), "chunk_000009.pcap")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
	assert.NotErrorIs(t, err, ErrExtractionFailed)
	assert.Equal(t, filepath.Join(out, "chunk_000009_Flow.csv"), csvPath)
}
