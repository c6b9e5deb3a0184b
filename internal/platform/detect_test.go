package platform

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultModelDirForLinuxWithXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("linux", "/home/dev", "/tmp/xdg-data")
	require.NoError(t, err)
	require.Equal(t, "/tmp/xdg-data/voxstream/models", dir)
}

func TestDefaultModelDirForLinuxWithoutXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("linux", "/home/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.local/share/voxstream/models", dir)
}

func TestDefaultModelDirForMacOS(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("darwin", "/Users/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/Users/dev/Library/Application Support/voxstream/models", dir)
}

func TestDefaultModelDirForUnsupportedOS(t *testing.T) {
	t.Parallel()

	_, err := DefaultModelDirFor("plan9", "/usr/dev", "")
	require.Error(t, err)

	_, err = DefaultModelDirFor("linux", "", "")
	require.Error(t, err)
}

func TestResolveModelDirOverride(t *testing.T) {
	t.Parallel()

	dir, err := ResolveModelDir("/srv/models/../models/")
	require.NoError(t, err)
	require.Equal(t, filepath.Clean("/srv/models"), dir)
}

func TestResolveScratchDir(t *testing.T) {
	t.Parallel()

	require.Equal(t, filepath.Join("/tmp", "voxstream"), DefaultScratchDirFor("/tmp"))
	require.Equal(t, filepath.Clean("/var/spool/uploads"), ResolveScratchDir("/var/spool/uploads/"))
}

func TestRuntimeTarget(t *testing.T) {
	t.Parallel()

	r := Runtime{OS: "linux", Arch: NormalizeArch("aarch64")}
	require.Equal(t, "linux_arm64", r.Target())
	require.Equal(t, "linux/arm64", r.String())
	require.Equal(t, "amd64", NormalizeArch("x86_64"))
}
