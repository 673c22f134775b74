package calendar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "nyse.yaml"), []byte(`
name: nyse
days: ["saturday", "sunday"]
dates:
  - "2026-01-01"
  - "2026-01-19"
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lse.yml"), []byte(`
name: lse
dates:
  - "2025-12-25"
  - "2025-12-26"
`), 0o644))

	// Non-YAML files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	reg := NewRegistry()
	require.NoError(t, reg.LoadDirs([]string{dir}))

	nyse := reg.Get("nyse")
	require.NotNil(t, nyse)
	assert.Equal(t, []string{"saturday", "sunday"}, nyse.Days)
	assert.Contains(t, nyse.Dates, "2026-01-19")

	lse, err := reg.Sessions("lse")
	require.NoError(t, err)
	assert.False(t, lse.IsTradingDay(testutil.Day(t, "2025-12-26")))
	assert.False(t, lse.IsTradingDay(testutil.Day(t, "2025-12-27")), "weekends closed by default")
}

func TestRegistry_Sessions_Unknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Sessions("nonexistent")
	assert.Error(t, err)

	s, err := reg.Sessions("")
	require.NoError(t, err)
	assert.True(t, s.IsTradingDay(testutil.Day(t, "2026-01-01")), "no holidays without a calendar")
}

func TestRegistry_LoadFile_NoName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`days: ["saturday"]`), 0o644))

	reg := NewRegistry()
	err := reg.LoadFile(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no name")
}

func TestRegistry_LoadFile_BadDate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\ndates: [\"2026-13-01\"]\n"), 0o644))

	reg := NewRegistry()
	assert.Error(t, reg.LoadFile(path))
	assert.Nil(t, reg.Get("x"))
}

func TestRegistry_LoadDir_MissingDir(t *testing.T) {
	reg := NewRegistry()
	err := reg.LoadDir("/nonexistent/path")
	assert.Error(t, err)
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(&types.Calendar{}))
	require.NoError(t, reg.Register(&types.Calendar{Name: "x"}))
	assert.NotNil(t, reg.Get("x"))
}
