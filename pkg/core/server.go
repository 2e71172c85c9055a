package core

import (
	"github.com/theproductiveprogrammer/pm2/pkg/core/listener"
)

// Server is the listening side of Run.
type Server interface {
	Start(addr string) error
	ServeForever() error
}

var _ Server = (*listener.Listener)(nil)
