// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// UserAgent identifies outbound HTTP requests made by the engine.
func UserAgent() string {
	return fmt.Sprintf("rehoboam/%s (+%s)", Version, Commit)
}
