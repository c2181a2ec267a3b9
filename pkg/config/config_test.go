package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventflow/eventflow/pkg/errors"
)

const sample = `
process:
  pass_name: reco
  input_files: [in1, in2]
  output_files: [out]
  keep:
    - drop .*
    - keep EventHeader
  max_events: 50
  sequence:
    - class: digi.Monitor
      name: mon
      params:
        pass: sim
logging:
  level: debug
  format: json
checkpoint:
  backend: redis
  redis:
    address: redis:6379
  interval_events: 10
  max_age: 48h
archive:
  enabled: true
  type: s3
  s3:
    bucket: stores
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_NeedsPass(t *testing.T) {
	c := Default()
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, -1, c.Process.MaxEvents)
	assert.Equal(t, "local", c.Checkpoint.Backend)

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeIllegalName))
}

func TestManager_LoadFile(t *testing.T) {
	m := NewManager()
	path := writeFile(t, sample)
	require.NoError(t, m.Load(path))
	assert.Contains(t, m.GetPaths(), path)

	c := m.Get()
	assert.Equal(t, "reco", c.Process.PassName)
	assert.Equal(t, []string{"in1", "in2"}, c.Process.InputFiles)
	assert.Equal(t, []string{"drop .*", "keep EventHeader"}, c.Process.Keep)
	assert.Equal(t, 50, c.Process.MaxEvents)
	require.Len(t, c.Process.Sequence, 1)
	assert.Equal(t, "sim", c.Process.Sequence[0].Params["pass"])

	// Unset fields keep their defaults.
	assert.Equal(t, 1, c.Process.MaxTries)
	assert.Equal(t, "snappy", c.Process.Compression)
	assert.Equal(t, "eventflow:", c.Checkpoint.Redis.Prefix)

	assert.Equal(t, "json", c.Logging.Format)
	assert.Equal(t, "redis", c.Checkpoint.Backend)
	assert.Equal(t, "redis:6379", c.Checkpoint.Redis.Address)
	assert.Equal(t, 10, c.Checkpoint.IntervalEvents)
	assert.Equal(t, 48*time.Hour, c.Checkpoint.MaxAge)
	assert.True(t, c.Archive.Enabled)
	assert.Equal(t, "stores", c.Archive.S3.Bucket)

	require.NoError(t, c.Validate())
}

func TestManager_UnknownField(t *testing.T) {
	err := NewManager().Load(writeFile(t, "process:\n  pass_nme: x\n"))
	assert.True(t, errors.IsCode(err, errors.CodeProcess))
}

func TestManager_MissingExplicitFile(t *testing.T) {
	err := NewManager().Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestManager_EnvOverrides(t *testing.T) {
	t.Setenv("EVENTFLOW_PASS", "envpass")
	t.Setenv("EVENTFLOW_MAX_EVENTS", "7")
	t.Setenv("EVENTFLOW_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("EVENTFLOW_ARCHIVE_DIR", "/tmp/archive")
	t.Setenv("EVENTFLOW_HISTOGRAM_FILE", "hists.parquet")

	m := NewManager()
	require.NoError(t, m.Load(writeFile(t, sample)))
	c := m.Get()
	assert.Equal(t, "envpass", c.Process.PassName)
	assert.Equal(t, 7, c.Process.MaxEvents)
	assert.Equal(t, "hists.parquet", c.Process.HistogramFile)
	assert.True(t, c.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", c.Telemetry.OTLP().Endpoint)
	assert.Equal(t, "local", c.Archive.Type)
	assert.Equal(t, "/tmp/archive", c.Archive.Root)

	t.Setenv("EVENTFLOW_RUN", "three")
	assert.Error(t, m.Load(""))
}

func TestValidate_CollectsErrors(t *testing.T) {
	c := Default()
	c.Process.PassName = "gen"
	c.Process.OutputFiles = []string{"out"}
	c.Process.MaxEvents = 10
	require.NoError(t, c.Validate())

	c.Logging.Level = "loud"
	c.Checkpoint.Backend = "etcd"
	c.Archive.Enabled = true
	c.Archive.Type = "s3"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
	assert.Contains(t, err.Error(), "etcd")
	assert.Contains(t, err.Error(), "bucket")
}

func TestManager_SaveRoundTrip(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load(writeFile(t, sample)))
	out := filepath.Join(t.TempDir(), "sub", "saved.yaml")
	require.NoError(t, m.Save(out))

	m2 := NewManager()
	require.NoError(t, m2.Load(out))
	assert.Equal(t, m.Get().Process, m2.Get().Process)
	assert.Equal(t, m.Get().Checkpoint, m2.Get().Checkpoint)
}

func TestManager_EnsureDirs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EVENTFLOW_CHECKPOINT_DIR", filepath.Join(dir, "cp"))
	t.Setenv("EVENTFLOW_ARCHIVE_DIR", filepath.Join(dir, "arch"))
	m := NewManager()
	require.NoError(t, m.Load(""))
	require.NoError(t, m.EnsureDirs())
	assert.DirExists(t, filepath.Join(dir, "cp"))
	assert.DirExists(t, filepath.Join(dir, "arch"))
}
