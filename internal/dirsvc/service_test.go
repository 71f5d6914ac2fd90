package dirsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

func setupService(t *testing.T, pickerCommand string) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return NewService(pickerCommand, log)
}

func TestService_List(t *testing.T) {
	svc := setupService(t, "")
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "projects"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "archive"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	resolved, entries, err := svc.List(root)
	require.NoError(t, err)
	assert.Equal(t, root, resolved)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
		assert.Equal(t, filepath.Join(root, e.Name), e.Path)
	}
	assert.ElementsMatch(t, []string{"projects", "archive"}, names)

	t.Run("empty path resolves to home", func(t *testing.T) {
		home, err := os.UserHomeDir()
		require.NoError(t, err)
		resolved, _, err := svc.List("")
		require.NoError(t, err)
		assert.Equal(t, home, resolved)
	})

	t.Run("missing path", func(t *testing.T) {
		_, _, err := svc.List(filepath.Join(root, "missing"))
		var pe *wire.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, wire.ErrorCodeInvalidDirectory, pe.Code)
	})
}

func TestService_Validate(t *testing.T) {
	svc := setupService(t, "")
	root := t.TempDir()
	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	for _, tc := range []struct {
		name   string
		path   string
		valid  bool
		reason string
	}{
		{"valid directory", root, true, ""},
		{"empty path", "  ", false, "path is empty"},
		{"relative path", "some/dir", false, "path must be absolute"},
		{"missing path", filepath.Join(root, "nope"), false, "path does not exist"},
		{"file not dir", file, false, "path is not a directory"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			valid, reason := svc.Validate(tc.path)
			assert.Equal(t, tc.valid, valid)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestService_Pick(t *testing.T) {
	ctx := context.Background()

	t.Run("no picker configured", func(t *testing.T) {
		svc := setupService(t, "")
		path, cancelled := svc.Pick(ctx, "")
		assert.True(t, cancelled)
		assert.Empty(t, path)
	})

	t.Run("picker returns a path", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "picker.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho /tmp/chosen\n"), 0o755))
		svc := setupService(t, script)
		path, cancelled := svc.Pick(ctx, "/tmp")
		assert.False(t, cancelled)
		assert.Equal(t, "/tmp/chosen", path)
	})

	t.Run("picker exits non-zero", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "picker.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0o755))
		svc := setupService(t, script)
		_, cancelled := svc.Pick(ctx, "")
		assert.True(t, cancelled)
	})

	t.Run("picker prints nothing", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "picker.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))
		svc := setupService(t, script)
		_, cancelled := svc.Pick(ctx, "")
		assert.True(t, cancelled)
	})
}
