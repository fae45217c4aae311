package sandbox

import (
	"net"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets this same test binary serve as the worker child: when
// reexeced with WorkerEnvVar set, MaybeRunWorker installs the filter,
// runs the named worker, and exits before go test's own machinery
// starts - exactly the contract cmd/ binaries must honor.
func TestMain(m *testing.M) {
	MaybeRunWorker()
	os.Exit(m.Run())
}

func init() {
	Register("fs-probe", func([]byte) ([]byte, error) {
		_, err := os.Open("/etc/hosts")
		if err == nil {
			return nil, errString("sandbox test: filesystem open unexpectedly succeeded")
		}
		return []byte(err.Error()), nil
	})

	Register("net-probe", func([]byte) ([]byte, error) {
		_, err := net.Dial("tcp", "127.0.0.1:1")
		if err == nil {
			return nil, errString("sandbox test: network dial unexpectedly succeeded")
		}
		return []byte(err.Error()), nil
	})

	Register("echo", func(input []byte) ([]byte, error) {
		return input, nil
	})
}

type errString string

func (e errString) Error() string { return string(e) }

func TestBuildProgramRejectsEmptyDenylist(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip("no audit-arch constant for this architecture")
	}
	_, err := buildProgram(nil)
	assert.Error(t, err)
}

func TestBuildProgramShape(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip("no audit-arch constant for this architecture")
	}
	prog, err := buildProgram([]int64{1, 2, 3})
	require.NoError(t, err)
	// arch load+check+kill (3) + nr load (1) + 2 instructions per denied syscall + final allow (1)
	assert.Len(t, prog, 4+2*3+1)
}

func TestEchoWorkerRoundTrips(t *testing.T) {
	if !Available() {
		t.Skip("sandbox unavailable on this platform/architecture")
	}
	out, err := Run("echo", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestFilesystemAccessIsDenied(t *testing.T) {
	if !Available() {
		t.Skip("sandbox unavailable on this platform/architecture")
	}
	out, err := Run("fs-probe", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestNetworkAccessIsDenied(t *testing.T) {
	if !Available() {
		t.Skip("sandbox unavailable on this platform/architecture")
	}
	out, err := Run("net-probe", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestRunRejectsUnknownWorker(t *testing.T) {
	if !Available() {
		t.Skip("sandbox unavailable on this platform/architecture")
	}
	_, err := Run("does-not-exist", nil)
	assert.Error(t, err)
}
