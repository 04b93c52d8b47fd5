// Package activation hands the webhook server a listening socket, either one
// passed in by systemd socket activation or a freshly bound TCP socket.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	envPID   = "LISTEN_PID"
	envFDs   = "LISTEN_FDS"
	envNames = "LISTEN_FDNAMES"

	// first fd after stdin, stdout and stderr
	firstFD = 3
)

// Socket is an activated listener with the name systemd gave it
// (FileDescriptorName=, "unknown" when unnamed)
type Socket struct {
	Name     string
	Listener net.Listener
}

// Sockets returns the sockets systemd passed to this process, or nil when the
// process was not socket-activated. The activation environment is cleared so
// child processes do not inherit it.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv(envPID)
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envPID, pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv(envFDs)
	if fdsStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envFDs, fdsStr, err)
	}
	if count < 1 {
		return nil, nil
	}

	var names []string
	if raw := os.Getenv(envNames); raw != "" {
		names = strings.Split(raw, ":")
	}

	sockets := make([]Socket, 0, count)
	for i := 0; i < count; i++ {
		name := "unknown"
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to open activated fd %d", fd)
		}
		listener, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: name, Listener: listener})
	}

	_ = os.Unsetenv(envPID)
	_ = os.Unsetenv(envFDs)
	_ = os.Unsetenv(envNames)

	return sockets, nil
}

// Listen returns the first activated socket, or a TCP listener bound to addr
// when the process was not socket-activated. activated reports which one.
// Extra activated sockets are closed.
func Listen(addr string) (l net.Listener, activated bool, err error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}
	if len(sockets) > 0 {
		closeAll(sockets[1:])
		return sockets[0].Listener, true, nil
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
