//go:build integration
// +build integration

package integration

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// lockedBuffer collects the output of a child process.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// rawExchange writes request to addr, half-closes the connection and
// returns everything the server sent back.
func rawExchange(addr, request string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, request); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite() //nolint:errcheck
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return string(resp), fmt.Errorf("read: %w", err)
	}
	return string(resp), nil
}
