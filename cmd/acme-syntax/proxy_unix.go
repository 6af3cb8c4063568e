//go:build unix

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// shutdownSignals are the OS signals that trigger a clean exit.
// SIGTERM is included for launchd/systemd service managers.
var shutdownSignals = []os.Signal{os.Interrupt, unix.SIGTERM}

// listen removes any stale socket, forks 9pserve announcing at
// unix!srvPath, and returns the server end of a socketpair whose other end
// is 9pserve's stdin and stdout.  The cleanup function closes our end and
// waits for 9pserve to exit.
func listen(srvPath string) (io.ReadWriteCloser, func(), error) {
	os.Remove(srvPath)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	// x/sys/unix has no SOCK_CLOEXEC for darwin.  dup2 onto the child's
	// fd 0 and 1 clears the flag on the copies 9pserve uses.
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parent := os.NewFile(uintptr(fds[0]), "acme-syntax-srv")
	child := os.NewFile(uintptr(fds[1]), "acme-syntax-9pserve")

	cmd := exec.Command("9pserve", "unix!"+srvPath)
	cmd.Stdin = child
	cmd.Stdout = child
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return nil, nil, fmt.Errorf("9pserve: %w", err)
	}
	child.Close()

	cleanup := func() {
		parent.Close() // 9pserve sees EOF and exits
		cmd.Wait()     //nolint:errcheck
	}
	return parent, cleanup, nil
}
