package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T, root string, pid string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func TestCollectProcMetadata(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, "4242", map[string]string{
		"comm":    "postgres\n",
		"cmdline": "postgres\x00-D\x00/var/lib/pg\x00",
		"cgroup":  "0::/system.slice/docker-0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef.scope\n",
	})
	require.NoError(t, os.Symlink("/usr/bin/postgres", filepath.Join(root, "4242", "exe")))

	var info Info
	require.True(t, CollectProcMetadata(root, 4242, &info))
	assert.Equal(t, Info{
		PID:         4242,
		Comm:        "postgres",
		ExePath:     "/usr/bin/postgres",
		CmdLine:     "postgres -D /var/lib/pg",
		ContainerID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}, info)
}

func TestCollectProcMetadataMissing(t *testing.T) {
	var info Info
	assert.False(t, CollectProcMetadata(t.TempDir(), 1, &info))
}

func TestContainerIDFromCgroup(t *testing.T) {
	tests := []struct {
		name   string
		cgroup string
		want   string
	}{
		{"host", "0::/user.slice/user-1000.slice/session-2.scope\n", ""},
		{"docker v1", "12:memory:/docker/3f4e5d6c7b8a\n", "3f4e5d6c7b8a"},
		{"containerd", "0::/kubepods/besteffort/pod1/containerd/abcdefabcdef1234\n", "abcdefabcdef1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, containerIDFromCgroup(tt.cgroup))
		})
	}
}

func TestResolverCachesLiveProcesses(t *testing.T) {
	root := t.TempDir()
	fakeProc(t, root, "10", map[string]string{"comm": "bash\n"})

	r, err := NewResolver(8, root)
	require.NoError(t, err)

	info, ok := r.Resolve(10)
	require.True(t, ok)
	assert.Equal(t, "bash", info.Comm)
	assert.Equal(t, 1, r.Len())

	// served from cache after the process disappears
	require.NoError(t, os.RemoveAll(filepath.Join(root, "10")))
	info, ok = r.Resolve(10)
	require.True(t, ok)
	assert.Equal(t, "bash", info.Comm)

	r.Forget(10)
	_, ok = r.Resolve(10)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestNewResolverRejectsBadSize(t *testing.T) {
	_, err := NewResolver(0, "")
	assert.Error(t, err)
}
