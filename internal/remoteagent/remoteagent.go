// Package remoteagent implements the contract with the source host
// (spec.md §4.3): creating read-only snapshots, emitting send streams,
// listing the remote snapshot directory, and reading partition/superblock
// artifacts, all driven as `ssh <host> <command>` subprocesses. Spec.md §1
// places the remote shell channel itself out of scope for this engine; we
// only compose the commands it runs, the same way RemoteAgent's
// predecessor shell script piped commands over `ssh`.
package remoteagent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// remoteSnapshotRoot is the fixed remote-side path this engine treats as a
// contract, not something it discovers (spec.md §4.3).
const remoteSnapshotRoot = "/.btrfs/snapshots"

// Agent drives commands against one source host over SSH.
type Agent struct {
	Host string
	// SSHArgs are extra arguments inserted before the host (e.g. identity
	// file, port); optional.
	SSHArgs []string
}

// New returns an Agent targeting host.
func New(host string, sshArgs ...string) *Agent {
	return &Agent{Host: host, SSHArgs: sshArgs}
}

func (a *Agent) sshArgs(remoteCmd string) []string {
	args := append([]string{}, a.SSHArgs...)
	args = append(args, a.Host, remoteCmd)
	return args
}

func (a *Agent) run(ctx context.Context, remoteCmd string) (string, error) {
	cmd := exec.CommandContext(ctx, "ssh", a.sshArgs(remoteCmd)...)
	// Pin the remote locale to C so fixed-position text parsing (spec.md
	// §9) is not corrupted by the remote user's locale.
	cmd.Env = []string{"LC_ALL=C"}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("remoteagent: ssh %s %q: %w: %s", a.Host, remoteCmd, err, stderr.String())
	}
	return out.String(), nil
}

// CreateSnapshot creates a read-only snapshot of / at
// <remoteSnapshotRoot>/<name> on the source host (spec.md §4.3 cmd 1).
func (a *Agent) CreateSnapshot(ctx context.Context, name string) error {
	dst := remoteSnapshotRoot + "/" + name
	_, err := a.run(ctx, fmt.Sprintf("btrfs subvolume snapshot -r / %s", shellQuote(dst)))
	return err
}

// ListSnapshots lists the names of subvolumes present under
// remoteSnapshotRoot, used to validate candidate differential parents
// (spec.md §4.3 cmd 3, §4.4 step 2).
func (a *Agent) ListSnapshots(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, fmt.Sprintf("ls -1 %s", shellQuote(remoteSnapshotRoot)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendCommand returns the remote-side command line that sends snapshot
// (full, or differential from parent when parent != "") piped into the
// configured compressor. The returned string is meant to be used as the
// remote half of an ssh-backed pipeline.Stage (spec.md §4.3 cmd 2, §4.4
// step 4).
func (a *Agent) SendCommand(name, parent string, compressCmd []string) string {
	src := remoteSnapshotRoot + "/" + name
	var send string
	if parent == "" {
		send = fmt.Sprintf("btrfs send %s", shellQuote(src))
	} else {
		parentPath := remoteSnapshotRoot + "/" + parent
		send = fmt.Sprintf("btrfs send -p %s %s", shellQuote(parentPath), shellQuote(src))
	}
	return fmt.Sprintf("%s | %s", send, strings.Join(quoteAll(compressCmd), " "))
}

// ReadFdiskL returns the `fdisk -l <rootdev>` listing captured for the
// Metadata Store (spec.md §4.3 cmd 4, §3 "fdisk-l").
func (a *Agent) ReadFdiskL(ctx context.Context, rootDev string) (string, error) {
	return a.run(ctx, fmt.Sprintf("fdisk -l /dev/%s", shellQuote(rootDev)))
}

// ReadSgdiskBackup returns the raw bytes of `sgdisk --backup` for rootDev
// (spec.md §3 "sgdisk-backup").
func (a *Agent) ReadSgdiskBackup(ctx context.Context, rootDev string) ([]byte, error) {
	out, err := a.run(ctx, fmt.Sprintf("sgdisk --backup=/dev/stdout /dev/%s", shellQuote(rootDev)))
	return []byte(out), err
}

// ReadPartitionImage returns the raw bytes of partition partNum on rootDev
// (spec.md §3 "part1-img").
func (a *Agent) ReadPartitionImage(ctx context.Context, rootDev string, partNum int) ([]byte, error) {
	out, err := a.run(ctx, fmt.Sprintf("cat /dev/%s%d", shellQuote(rootDev), partNum))
	return []byte(out), err
}

// ReadSuperDump returns the filesystem superblock text dump for the
// rootfs partition (spec.md §3 "super-dump").
func (a *Agent) ReadSuperDump(ctx context.Context, rootDev string, partNum int) (string, error) {
	return a.run(ctx, fmt.Sprintf("btrfs-show-super /dev/%s%d", shellQuote(rootDev), partNum))
}

// ReadFstab returns the remote /etc/fstab contents (spec.md §3 "fstab").
func (a *Agent) ReadFstab(ctx context.Context) (string, error) {
	return a.run(ctx, "cat /etc/fstab")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteAll(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = shellQuote(p)
	}
	return out
}
