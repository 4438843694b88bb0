// Command convoy brings a declared service stack up on a single host, keeps
// it healthy, and tears it down: `convoy up | down | status`.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/artpar/convoy/internal/core/compose"
	"github.com/artpar/convoy/internal/core/deployment"
	"github.com/artpar/convoy/internal/shell/docker"
	"github.com/artpar/convoy/internal/shell/orchestrator"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess           = 0
	ExitConfigError       = 1
	ExitResourceError     = 2
	ExitDependencyTimeout = 3
	ExitLaunchError       = 4
	ExitDockerError       = 5
	ExitDatabaseError     = 6
	ExitCyclicDependency  = 7
	ExitUnknownDependency = 8
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return ExitConfigError
	}

	switch args[0] {
	case "up":
		return runUp(args[1:])
	case "down":
		return runDown(args[1:])
	case "status":
		return runStatus(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("convoy %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	case "help", "-h", "--help":
		usage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		return ExitConfigError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `convoy - single-host service stack orchestrator

Usage:
  convoy up     [-f file] [--env-file file] [-p project] [--config file] [-d]
  convoy down   [-f file] [--env-file file] [-p project] [--config file] [--volumes]
  convoy status [-f file] [--env-file file] [-p project] [--config file] [--history] [--run id]
  convoy version

Flags:
  -f           stack declaration file (default "convoy.yaml")
  --env-file   variable source file (default ".env", optional)
  -p           project name (default: declaration file's directory name)
  --config     convoy config file
  -d           (up) detach after the stack is ready instead of supervising
  --volumes    (down) also remove the project's named volumes and networks
  --history    (status) show recent recorded runs instead of live state
  --run        (status) show the state transitions of one recorded run
`)
}

// exitCodeFor maps an error to the CLI exit code taxonomy.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var parseErr *compose.ParseError
	var subErr *deployment.SubstituteError
	switch {
	// Cycles and unknown dependencies get their own codes; check them
	// before the generic configuration class they also belong to.
	case errors.Is(err, compose.ErrCircularDependency),
		errors.Is(err, deployment.ErrCyclicDependency):
		return ExitCyclicDependency
	case errors.Is(err, deployment.ErrUnknownDependency):
		return ExitUnknownDependency
	case errors.As(err, &parseErr),
		errors.As(err, &subErr),
		errors.Is(err, deployment.ErrDuplicateService):
		return ExitConfigError
	case errors.Is(err, docker.ErrResourceCreate):
		return ExitResourceError
	case errors.Is(err, orchestrator.ErrDependencyTimeout),
		errors.Is(err, orchestrator.ErrDependencyFailed):
		return ExitDependencyTimeout
	case errors.Is(err, orchestrator.ErrLaunchFailed):
		return ExitLaunchError
	default:
		return ExitLaunchError
	}
}
