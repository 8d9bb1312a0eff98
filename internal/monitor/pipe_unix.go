//go:build !windows

package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/networkupstools/nutmon/internal/logger"
	"github.com/networkupstools/nutmon/pkg/config"
)

// The privilege split keeps a root parent around whose only job is to
// execute the shutdown command. The monitor itself runs unprivileged in a
// child process; a single byte down a pipe is the only channel between
// the two, and writing it is the shutdown trigger.
//
// Go cannot fork, so the split re-executes the binary: the parent spawns
// itself with childEnvMark set and the pipe's write end as an inherited
// descriptor, then blocks reading the pipe.

const (
	childEnvMark = "UPSMON_SHUTDOWN_PIPE"
	childPipeFD  = 3
	pipeTrigger  = 1
)

// ShutdownPipe is the child's handle on the write end of the pipe.
type ShutdownPipe struct {
	w *os.File
}

// Trigger asks the privileged parent to run the shutdown command.
func (p *ShutdownPipe) Trigger() error {
	n, err := p.w.Write([]byte{pipeTrigger})
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.New("short write on shutdown pipe")
	}
	return nil
}

// ParentAlive reports whether the read end of the pipe is still open. The
// write end turns error-ready once the reader is gone.
func (p *ShutdownPipe) ParentAlive() bool {
	fds := []unix.PollFd{{Fd: int32(p.w.Fd()), Events: unix.POLLERR}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return true // EINTR and friends prove nothing about the parent
	}
	if n == 0 {
		return true
	}
	return fds[0].Revents&(unix.POLLERR|unix.POLLHUP) == 0
}

// IsSplitChild reports whether this process is the unprivileged half of a
// split daemon.
func IsSplitChild() bool {
	return os.Getenv(childEnvMark) != ""
}

// ChildPipe recovers the pipe handle inherited from the parent. Only valid
// when IsSplitChild reports true.
func ChildPipe() *ShutdownPipe {
	return &ShutdownPipe{w: os.NewFile(childPipeFD, "shutdown-pipe")}
}

// DropPrivileges switches the child to the configured unprivileged user.
// Running as non-root already is fine; the call is then a no-op.
func DropPrivileges(username string) error {
	if os.Geteuid() != 0 || username == "" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("bad uid for %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("bad gid for %q: %w", username, err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}

	logger.Debug("dropped privileges", "user", username, "uid", uid, "gid", gid)
	return nil
}

// RunPrivilegedParent spawns the unprivileged child and blocks until
// either the child triggers a shutdown or exits. It never returns; the
// process exits with the appropriate status.
func RunPrivilegedParent(cfg *config.Config) {
	r, w, err := os.Pipe()
	if err != nil {
		logger.Error("pipe creation failed", logger.KeyError, err.Error())
		os.Exit(1)
	}

	exe, err := os.Executable()
	if err != nil {
		logger.Error("cannot locate own executable", logger.KeyError, err.Error())
		os.Exit(1)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), childEnvMark+"=1")
	cmd.ExtraFiles = []*os.File{w} // becomes childPipeFD in the child

	if err := cmd.Start(); err != nil {
		logger.Error("failed to start unprivileged child", logger.KeyError, err.Error())
		os.Exit(1)
	}

	// the write end belongs to the child now
	_ = w.Close()

	buf := make([]byte, 1)
	n, rerr := r.Read(buf)

	if n < 1 {
		// child exited without triggering a shutdown; propagate its status
		state, werr := cmd.Process.Wait()
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			logger.Error("parent pipe read failed", logger.KeyError, rerr.Error())
		}
		if werr == nil && state != nil {
			os.Exit(state.ExitCode())
		}
		os.Exit(1)
	}

	if buf[0] != pipeTrigger {
		logger.Error("parent got bogus pipe command", "byte", buf[0])
		os.Exit(1)
	}

	// have to do this here - the child is unprivileged
	if err := WritePowerdownFlag(cfg.PowerdownFlag); err != nil {
		logger.Error("failed to create power down flag", logger.KeyError, err.Error())
	}

	runShellCommand(cfg.ShutdownCmd)
	os.Exit(0)
}
