package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequiresBackupDirAndHost(t *testing.T) {
	c := New()
	assert.Error(t, c.Validate())

	c.BackupDir = "/pool"
	assert.Error(t, c.Validate())

	c.Host = "source.example.com"
	assert.Error(t, c.Validate(), "still missing an operation")

	c.Operations = []Op{OpBackup}
	assert.NoError(t, c.Validate())
}

func TestApplyPoolConfigIsNoopWhenFileMissing(t *testing.T) {
	c := New()
	c.BackupDir = t.TempDir()
	assert.NoError(t, c.ApplyPoolConfig())
	assert.Equal(t, "@", c.Rootfs)
}

func TestApplyPoolConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	contents := "" +
		"rootfs = @home\n" +
		"rootdev = vda\n" +
		"rootpart = 3\n" +
		"direct_qcow2 = true\n" +
		"retention_latest = 9\n" +
		"retention_years = 1\n"
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "btrfs-backup.conf"), []byte(contents), 0o600))

	c := New()
	c.BackupDir = dir
	assert.NoError(t, c.ApplyPoolConfig())

	assert.Equal(t, "@home", c.Rootfs)
	assert.Equal(t, "vda", c.RootDev)
	assert.Equal(t, 3, c.RootPart)
	assert.True(t, c.DirectQcow2)
	assert.Equal(t, 9, c.Retention.Latest)
	assert.Equal(t, 1, c.Retention.Years)
	assert.Equal(t, 4, c.Retention.Months, "unset keys keep their default")
}
