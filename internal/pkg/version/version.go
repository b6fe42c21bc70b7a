package version

import "fmt"

const (
	MAJOR uint = 0
	MINOR uint = 2
	PATCH uint = 0
)

// GitCommit is set at build time with
// -ldflags "-X github.com/lucheng0127/portrelay/internal/pkg/version.GitCommit=..."
var GitCommit = ""

func Version() string {
	v := fmt.Sprintf("%d.%d.%d", MAJOR, MINOR, PATCH)
	if GitCommit != "" {
		v += "+" + GitCommit
	}
	return v
}
