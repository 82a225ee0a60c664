package acceptor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

func TestLocalFSConfinesPaths(t *testing.T) {
	root := t.TempDir()
	fs, err := NewLocalFS(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(fs.Root(), "gcodes", "a.g"), fs.resolve("0:/gcodes/a.g"))
	assert.Equal(t, filepath.Join(fs.Root(), "etc", "passwd"), fs.resolve("../../etc/passwd"))
	assert.Equal(t, fs.Root(), fs.resolve("0:/"))
	assert.Equal(t, filepath.Join(fs.Root(), "x:", "a"), fs.resolve("x:/a"))

	err = fs.Remove(context.Background(), "0:/")
	assert.True(t, errors.Is(err, merr.ErrPermissionDenied))
}

func TestLocalFSOperations(t *testing.T) {
	ctx := context.Background()
	fs, err := NewLocalFS(filepath.Join(t.TempDir(), "sd"))
	require.NoError(t, err)

	modTime := time.Date(2023, 7, 9, 10, 30, 0, 0, time.UTC)
	require.NoError(t, fs.Write(ctx, "0:/gcodes/a.g", strings.NewReader("G28\nG1 X1\n"), modTime))
	require.NoError(t, fs.MakeDirectory(ctx, "0:/gcodes/sub"))

	rc, err := fs.Open(ctx, "0:/gcodes/a.g")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "G28\nG1 X1\n", string(data))

	_, err = fs.Open(ctx, "0:/gcodes/sub")
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
	_, err = fs.Open(ctx, "0:/gcodes/none.g")
	assert.True(t, errors.Is(err, merr.ErrNotFound))

	entries, err := fs.List(ctx, "0:/gcodes")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, network.EntryFile, entries[0].Type)
	assert.Equal(t, "a.g", entries[0].Name)
	assert.Equal(t, int64(10), entries[0].Size)
	assert.True(t, modTime.Equal(entries[0].Date))
	assert.Equal(t, network.EntryDirectory, entries[1].Type)
	assert.Equal(t, int64(0), entries[1].Size)

	require.NoError(t, fs.Write(ctx, "0:/gcodes/b.g", strings.NewReader("M84"), time.Time{}))
	err = fs.Move(ctx, "0:/gcodes/a.g", "0:/gcodes/b.g", false)
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
	require.NoError(t, fs.Move(ctx, "0:/gcodes/a.g", "0:/gcodes/b.g", true))
	_, err = os.Stat(filepath.Join(fs.Root(), "gcodes", "a.g"))
	assert.True(t, os.IsNotExist(err))
	err = fs.Move(ctx, "0:/gcodes/a.g", "0:/gcodes/c.g", false)
	assert.True(t, errors.Is(err, merr.ErrNotFound))

	require.NoError(t, fs.Remove(ctx, "0:/gcodes/b.g"))
	assert.True(t, errors.Is(fs.Remove(ctx, "0:/gcodes/b.g"), merr.ErrNotFound))
	_, err = fs.List(ctx, "0:/missing")
	assert.True(t, errors.Is(err, merr.ErrNotFound))
}

func TestLocalFSFileInfo(t *testing.T) {
	ctx := context.Background()
	fs, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)

	content := "; Generated by PrusaSlicer 2.6.0\n; layer_height = 0.15\nG28\n; filament used [mm] = 1234.5\n"
	require.NoError(t, fs.Write(ctx, "0:/gcodes/part.g", strings.NewReader(content), time.Time{}))

	info, err := fs.FileInfo(ctx, "0:/gcodes/part.g")
	require.NoError(t, err)
	assert.Equal(t, "0:/gcodes/part.g", info["fileName"])
	assert.Equal(t, int64(len(content)), info["size"])
	assert.Equal(t, "PrusaSlicer 2.6.0", info["generatedBy"])
	assert.Equal(t, 0.15, info["layerHeight"])
	assert.Equal(t, []any{1234.5}, info["filament"])
	assert.Equal(t, 4, info["scannedLines"])

	_, err = fs.FileInfo(ctx, "0:/gcodes")
	assert.True(t, errors.Is(err, merr.ErrParameterInvalid))
}
