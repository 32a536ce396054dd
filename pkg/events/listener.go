package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Listener accepts wake-up notifications on a Unix domain socket.
//
// The frontend writes "INCOMING <job-name>\n" after inserting a job. Every
// connection enqueues an Incoming event; the message is only a hint, so a
// garbled or empty one is harmless. When no connection arrives within
// Timeout, an Incoming event is enqueued anyway, which makes the listener
// double as the periodic check timer.
type Listener struct {
	Path    string
	Timeout time.Duration
	Queue   *Queue
	Logger  *zap.Logger

	ln *net.UnixListener
}

// Listen binds the socket, replacing a stale socket file left by a previous
// run.
func Listen(path string, q *Queue, timeout time.Duration, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("refusing to replace non-socket file %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	// #nosec G302 -- the web frontend runs as a different user and must connect
	if err := os.Chmod(path, 0o666); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Listener{Path: path, Timeout: timeout, Queue: q, Logger: logger, ln: ln}, nil
}

// Serve runs the accept loop until ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		if l.Timeout > 0 {
			_ = l.ln.SetDeadline(time.Now().Add(l.Timeout))
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.Queue.Put(Event{Kind: Incoming})
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		name := readNotification(conn)
		_ = conn.Close()
		l.Logger.Debug("incoming job notification", zap.String("job", name))
		l.Queue.Put(Event{Kind: Incoming, JobName: name})
	}
}

// Close stops accepting connections and removes the socket file.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func readNotification(conn net.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	fields := strings.Fields(line)
	if len(fields) == 2 && fields[0] == "INCOMING" {
		return fields[1]
	}
	return ""
}

// Notify sends an INCOMING hint to a running daemon. It is used by the HTTP
// submit endpoint and by admin tools after changing job rows.
func Notify(path, jobName string) error {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	_, err = fmt.Fprintf(conn, "INCOMING %s\n", jobName)
	return err
}
