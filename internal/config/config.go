// Package config builds the single configuration record threaded through
// every component (spec.md §9 "Global-state configuration"): flags are
// parsed first, then the pool's optional btrfs-backup.conf overrides the
// built-in defaults, and finally the flags the caller explicitly set are
// re-applied, producing one immutable Config passed by reference from
// then on — no component reads flags or files of its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Retention is the keep-count for each retention bucket (spec.md §3, §4.5).
type Retention struct {
	Latest int
	Days   int
	Weeks  int
	Months int
	Years  int
}

// Default retention counts per spec.md §4.1.
var DefaultRetention = Retention{Latest: 5, Days: 5, Weeks: 4, Months: 4, Years: 20}

// Op is one of the operations the Driver may be asked to perform, in the
// order given on the command line (spec.md §4.1, §6).
type Op string

const (
	OpSetup           Op = "setup"
	OpBackup          Op = "backup"
	OpRetention       Op = "retention"
	OpCreateImage     Op = "create-image"
	OpUpdateImage     Op = "update-image"
	OpCloneImage      Op = "clone-image"
	OpListImages      Op = "list-images"
	OpMountRaw        Op = "mount-raw"
	OpMountQcow2      Op = "mount-qcow2"
)

// Config is the closed set of configuration options enumerated in spec.md §6.
type Config struct {
	BackupDir string
	Host      string

	Rootfs   string
	RootDev  string
	RootPart int

	CompressCmd      []string
	DecompressCmd    []string
	BtrfsCompression string

	Retention Retention

	DirectQcow2 bool

	Operations []Op

	LogLevel string
	DryRun   bool
	ShellCmd string
}

// New returns a Config seeded with spec.md §4.1's defaults.
func New() *Config {
	return &Config{
		Rootfs:           "@",
		RootDev:          "sda",
		RootPart:         2,
		CompressCmd:      []string{"zstd", "-T0"},
		DecompressCmd:    []string{"zstd", "-d"},
		BtrfsCompression: "zstd",
		Retention:        DefaultRetention,
		LogLevel:         "warn",
	}
}

// Validate enforces the Driver's usage preconditions (spec.md §4.1: pool
// path and host must be set; otherwise a usage error).
func (c *Config) Validate() error {
	if c.BackupDir == "" {
		return fmt.Errorf("config: --backup-dir is required")
	}
	if c.Host == "" {
		return fmt.Errorf("config: --host is required")
	}
	if len(c.Operations) == 0 {
		return fmt.Errorf("config: at least one operation is required")
	}
	if c.RootPart <= 0 {
		return fmt.Errorf("config: --rootpart must be positive")
	}
	return nil
}

// poolConfigFileName is the fixed pool-relative path of the optional
// key/value override file (spec.md §3, §6).
const poolConfigFileName = "btrfs-backup.conf"

// ApplyPoolConfig loads <BackupDir>/btrfs-backup.conf, if present, and lets
// its assignments override the values already populated from the command
// line (spec.md §4.1: "If btrfs-backup.conf exists inside the pool, reads
// it before applying command-line overrides" — callers parse flags into a
// temporary holder, call ApplyPoolConfig on the base Config, then apply the
// explicitly-set flags over the result, so that an explicit flag always
// wins over the file and the file always wins over the built-in default).
func (c *Config) ApplyPoolConfig() error {
	path := filepath.Join(c.BackupDir, poolConfigFileName)
	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, statErr)
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}

	sec := f.Section("")

	if sec.HasKey("rootfs") {
		c.Rootfs = sec.Key("rootfs").String()
	}
	if sec.HasKey("rootdev") {
		c.RootDev = sec.Key("rootdev").String()
	}
	if sec.HasKey("rootpart") {
		n, err := sec.Key("rootpart").Int()
		if err != nil {
			return fmt.Errorf("config: rootpart: %w", err)
		}
		c.RootPart = n
	}
	if sec.HasKey("compress_cmd") {
		c.CompressCmd = sec.Key("compress_cmd").Strings(" ")
	}
	if sec.HasKey("decompress_cmd") {
		c.DecompressCmd = sec.Key("decompress_cmd").Strings(" ")
	}
	if sec.HasKey("btrfs_compression") {
		c.BtrfsCompression = sec.Key("btrfs_compression").String()
	}
	if sec.HasKey("direct_qcow2") {
		b, err := sec.Key("direct_qcow2").Bool()
		if err != nil {
			return fmt.Errorf("config: direct_qcow2: %w", err)
		}
		c.DirectQcow2 = b
	}

	for key, field := range map[string]*int{
		"retention_latest": &c.Retention.Latest,
		"retention_days":   &c.Retention.Days,
		"retention_weeks":  &c.Retention.Weeks,
		"retention_months": &c.Retention.Months,
		"retention_years":  &c.Retention.Years,
	} {
		if sec.HasKey(key) {
			n, err := sec.Key(key).Int()
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*field = n
		}
	}

	return nil
}
