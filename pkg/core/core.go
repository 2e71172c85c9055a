package core

import (
	"fmt"
	"io"
	"net"
	"strconv"

	config "github.com/theproductiveprogrammer/pm2/pkg/core/config"
)

// Run binds the server on the configured address, announces it when the
// startup notice is enabled and then serves until the process dies. It only
// returns on failure; a bind failure comes back as a *listener.BindError.
func Run(cfg *config.TranslatedConfig, srv Server, stdout io.Writer) error {
	if err := srv.Start(cfg.Addr()); err != nil {
		return err
	}

	if cfg.StartupNotice {
		if err := Announce(stdout, boundPort(cfg, srv)); err != nil {
			return fmt.Errorf("failed to write startup notice: %w", err)
		}
	}

	return srv.ServeForever()
}

// boundPort prefers the port the server actually bound, which differs from
// the configured one when port 0 was requested.
func boundPort(cfg *config.TranslatedConfig, srv Server) string {
	if a, ok := srv.(interface{ Addr() net.Addr }); ok {
		if tcpAddr, ok := a.Addr().(*net.TCPAddr); ok {
			return strconv.Itoa(tcpAddr.Port)
		}
	}
	return cfg.ListenPort
}

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

// Announce writes the startup notice and pushes it out immediately, so it is
// visible even when stdout is a pipe.
func Announce(w io.Writer, port string) error {
	if _, err := fmt.Fprintf(w, "Starting server at %s\n", port); err != nil {
		return err
	}

	switch f := w.(type) {
	case flusher:
		return f.Flush()
	case syncer:
		// Pipes and terminals reject fsync; the write has already reached the kernel.
		f.Sync() //nolint:errcheck
	}
	return nil
}
