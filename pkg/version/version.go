package version

import "fmt"

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/digitmide/stabsync/pkg/version.Version=v1.0.0 \
//	  -X github.com/digitmide/stabsync/pkg/version.GitCommit=abc1234 \
//	  -X github.com/digitmide/stabsync/pkg/version.BuildDate=2026-01-02T15:04:05Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a single-line human-readable version string.
func Info() string {
	return fmt.Sprintf("stabsync %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
