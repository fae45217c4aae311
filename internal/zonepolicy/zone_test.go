package zonepolicy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIDLowercasesAndValidates(t *testing.T) {
	canon, err := ValidateID("ZONE:Test")
	require.NoError(t, err)
	assert.Equal(t, "zone:test", canon)

	_, err = ValidateID("parking-lot-3")
	var invalid *ErrInvalidZoneID
	require.ErrorAs(t, err, &invalid)
}

func TestPolicyIsSensitive(t *testing.T) {
	p, err := NewPolicy([]string{"zone:loading-dock"})
	require.NoError(t, err)
	assert.True(t, p.IsSensitive("zone:loading-dock"))
	assert.False(t, p.IsSensitive("zone:lobby"))
}

func TestNewPolicyRejectsBadZone(t *testing.T) {
	_, err := NewPolicy([]string{"ZONE BAD"})
	assert.Error(t, err)
}

func TestLoadFileMissingReturnsEmptyPolicy(t *testing.T) {
	p, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Empty(t, p.Zones())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.toml")
	require.NoError(t, os.WriteFile(path, []byte(`sensitive_zones = ["zone:a"]`), 0600))

	w, policy, err := NewWatcher(path)
	require.NoError(t, err)
	require.True(t, policy.IsSensitive("zone:a"))
	require.NoError(t, w.Start())
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`sensitive_zones = ["zone:b"]`), 0600))

	require.Eventually(t, func() bool {
		return policy.IsSensitive("zone:b")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcherKeepsPreviousPolicyOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.toml")
	require.NoError(t, os.WriteFile(path, []byte(`sensitive_zones = ["zone:a"]`), 0600))

	w, policy, err := NewWatcher(path)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`sensitive_zones = ["BAD ZONE"]`), 0600))
	time.Sleep(300 * time.Millisecond)

	assert.True(t, policy.IsSensitive("zone:a"))
}
