// btrfs-vault drives a remote btrfs root filesystem through snapshot
// transfer, retention pruning, and bootable-image materialization
// (spec.md §4.1, §6). Flags are parsed first, the pool's
// btrfs-backup.conf is layered on top, and the flags the caller actually
// set are re-applied last, so an explicit flag always wins.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/opscadence/btrfs-vault/internal/clog"
	"github.com/opscadence/btrfs-vault/internal/config"
	"github.com/opscadence/btrfs-vault/internal/driver"
)

// opFlag is a pflag.Value that appends a fixed config.Op to a shared
// ordered slice every time its flag is given, so --setup --backup
// --retention on the command line preserves the order the operations
// should run in (spec.md §4.1, §6) even though each is its own flag.
type opFlag struct {
	op  config.Op
	ops *[]config.Op
}

func (f *opFlag) String() string { return "" }
func (f *opFlag) Type() string   { return "op" }
func (f *opFlag) Set(string) error {
	*f.ops = append(*f.ops, f.op)
	return nil
}

// opFlagVar registers name as a boolean-looking flag that, when given,
// appends op to ops. NoOptDefVal makes it usable as a bare switch
// ("--backup") rather than requiring "--backup=true".
func opFlagVar(fs *flag.FlagSet, ops *[]config.Op, name string, op config.Op, usage string) {
	v := &opFlag{op: op, ops: ops}
	fs.Var(v, name, usage)
	fs.Lookup(name).NoOptDefVal = "true"
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("ERROR: %v", err))
		os.Exit(1)
	}
}

func run() error {
	cfg := config.New()

	fs := flag.NewFlagSet("btrfs-vault", flag.ContinueOnError)

	backupDir := fs.String("backup-dir", "", "local pool directory holding snapshots, retention links, and images")
	host := fs.String("host", "", "SSH host (user@host) of the source filesystem's Remote Agent")
	rootfs := fs.String("rootfs", cfg.Rootfs, "subvolume path on the source host to back up")
	rootDev := fs.String("rootdev", cfg.RootDev, "source host block device holding the root filesystem")
	rootPart := fs.Int("rootpart", cfg.RootPart, "partition number of the root filesystem on rootdev")
	compressCmd := fs.String("compress-cmd", strings.Join(cfg.CompressCmd, " "), "remote compression pipeline for btrfs send")
	decompressCmd := fs.String("decompress-cmd", strings.Join(cfg.DecompressCmd, " "), "local decompression pipeline for btrfs receive")
	btrfsCompression := fs.String("btrfs-compression", cfg.BtrfsCompression, "compression property applied to snapshots/")
	latest := fs.Int("latest", cfg.Retention.Latest, "number of most recent snapshots to keep unconditionally")
	days := fs.Int("days", cfg.Retention.Days, "number of daily snapshots to keep")
	weeks := fs.Int("weeks", cfg.Retention.Weeks, "number of weekly snapshots to keep")
	months := fs.Int("months", cfg.Retention.Months, "number of monthly snapshots to keep")
	years := fs.Int("years", cfg.Retention.Years, "number of yearly snapshots to keep")
	directQcow2 := fs.Bool("direct-qcow2", false, "operate on images/image.qcow2 directly instead of image.raw")
	logLevel := fs.String("log-level", cfg.LogLevel, "logrus level: trace, debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "print which operations would run without performing them")
	shellCmd := fs.String("shell-cmd", "", "command run against a mounted image by mount-raw/mount-qcow2")

	var ops []config.Op
	opFlagVar(fs, &ops, "setup", config.OpSetup, "initialize the pool's directory tree and capture the initial metadata store")
	opFlagVar(fs, &ops, "backup", config.OpBackup, "transfer the latest remote snapshot and recapture the metadata store")
	opFlagVar(fs, &ops, "retention", config.OpRetention, "prune snapshot links per the configured retention buckets")
	opFlagVar(fs, &ops, "create-image", config.OpCreateImage, "fabricate a fresh bootable image from the metadata store")
	opFlagVar(fs, &ops, "update-image", config.OpUpdateImage, "bring an existing image's snapshots up to date with the pool")
	opFlagVar(fs, &ops, "clone-image", config.OpCloneImage, "duplicate the working image to a timestamped, UUID-distinct copy")
	opFlagVar(fs, &ops, "list-images", config.OpListImages, "print the images/ directory contents")
	opFlagVar(fs, &ops, "mount-raw", config.OpMountRaw, "attach and mount image.raw, run --shell-cmd, then detach")
	opFlagVar(fs, &ops, "mount-qcow2", config.OpMountQcow2, "attach and mount image.qcow2, run --shell-cmd, then detach")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg.BackupDir = *backupDir
	cfg.Host = *host

	if err := cfg.ApplyPoolConfig(); err != nil {
		return fmt.Errorf("loading pool config: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rootfs":
			cfg.Rootfs = *rootfs
		case "rootdev":
			cfg.RootDev = *rootDev
		case "rootpart":
			cfg.RootPart = *rootPart
		case "compress-cmd":
			cfg.CompressCmd = strings.Fields(*compressCmd)
		case "decompress-cmd":
			cfg.DecompressCmd = strings.Fields(*decompressCmd)
		case "btrfs-compression":
			cfg.BtrfsCompression = *btrfsCompression
		case "latest":
			cfg.Retention.Latest = *latest
		case "days":
			cfg.Retention.Days = *days
		case "weeks":
			cfg.Retention.Weeks = *weeks
		case "months":
			cfg.Retention.Months = *months
		case "years":
			cfg.Retention.Years = *years
		case "direct-qcow2":
			cfg.DirectQcow2 = *directQcow2
		case "log-level":
			cfg.LogLevel = *logLevel
		case "shell-cmd":
			cfg.ShellCmd = *shellCmd
		}
	})
	cfg.DryRun = *dryRun
	cfg.Operations = ops

	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return err
	}

	log, err := clog.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return driver.New(cfg, log).Run(ctx)
}
