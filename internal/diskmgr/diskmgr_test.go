package diskmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskPath(t *testing.T) {
	m := New("/var/lib/vm-provisioner/instances")
	assert.Equal(t, "/var/lib/vm-provisioner/instances/vm-1.qcow2", m.DiskPath("vm-1"))
}

func TestClone_MissingTemplateReturnsTemplateMissing(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	_, err := m.Clone(context.Background(), "vm-1", filepath.Join(dir, "nonexistent.qcow2"))
	require.Error(t, err)

	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.TemplateMissing, kind)
}

func TestDelete_MissingOverlayIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	err := m.Delete("vm-never-created")
	assert.NoError(t, err)
}

func TestDelete_RemovesDiskFile(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	diskPath := filepath.Join(dir, "vm-1.qcow2")
	require.NoError(t, os.WriteFile(diskPath, []byte("stub"), 0o644))

	require.NoError(t, m.Delete("vm-1"))

	_, err := os.Stat(diskPath)
	assert.True(t, os.IsNotExist(err))
}
