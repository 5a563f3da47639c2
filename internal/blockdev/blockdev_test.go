package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return "", nil
}

func TestWaitForPartitionNodeSucceedsOnceNodeAppears(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "nbd0")
	partPath := dev + "p1"

	b := &Broker{Runner: &fakeRunner{}, SettleTimeout: time.Second, SettlePoll: 5 * time.Millisecond}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(partPath, nil, 0o600)
	}()

	err := b.waitForPartitionNode(context.Background(), dev, 1)
	assert.NoError(t, err)
}

func TestWaitForPartitionNodeTimesOut(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "nbd0")

	b := &Broker{Runner: &fakeRunner{}, SettleTimeout: 30 * time.Millisecond, SettlePoll: 5 * time.Millisecond}

	err := b.waitForPartitionNode(context.Background(), dev, 1)
	assert.Error(t, err)
}

func TestPartitionPath(t *testing.T) {
	d := &Device{Path: "/dev/nbd0"}
	assert.Equal(t, "/dev/nbd0p1", d.PartitionPath(1))
}

func TestReleaseIsNoopOnNilOrEmptyDevice(t *testing.T) {
	b := &Broker{Runner: &fakeRunner{}}
	assert.NoError(t, b.Release(context.Background(), nil, ""))
	assert.NoError(t, b.Release(context.Background(), &Device{}, ""))
}

func TestReleaseDetachesLoopDeviceAndClearsPath(t *testing.T) {
	r := &fakeRunner{}
	b := &Broker{Runner: r}
	d := &Device{Path: "/dev/loop3", direct: false}

	assert.NoError(t, b.Release(context.Background(), d, ""))
	assert.Equal(t, "", d.Path)
	assert.Equal(t, []string{"losetup", "--detach", "/dev/loop3"}, r.calls[len(r.calls)-1])
}
