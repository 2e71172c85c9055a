package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/theproductiveprogrammer/pm2/internal/version.Version=...".
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Info returns the one-line description printed by `serve --version`.
func Info() string {
	return fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit)
}

// ServerToken is the value of the Server header sent with every response,
// e.g. "serve/v1.2.3 go1.22.1".
func ServerToken() string {
	return fmt.Sprintf("serve/%s %s", Version, runtime.Version())
}
