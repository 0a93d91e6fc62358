package sandbox

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

const EnvProduction = "production"

// Selection is the input to backend resolution: the requested backend (or
// empty for the default), the deployment environment, and whether remote
// provider credentials are present.
type Selection struct {
	Requested      string
	Environment    string
	HasCredentials bool
}

// Select resolves the backend name for one ensure call. It is evaluated
// fresh every time so credential or configuration changes between
// deployments take effect without a restart.
//
// The ephemeral backend without credentials is a hard error in production
// and a warn-and-fall-back to docker everywhere else.
func Select(sel Selection, logger *log.Logger) (string, error) {
	name := strings.TrimSpace(sel.Requested)
	if name == "" {
		name = BackendDocker
	}

	switch name {
	case BackendDocker:
		return BackendDocker, nil
	case BackendEphemeral:
		if sel.HasCredentials {
			return BackendEphemeral, nil
		}
		if strings.TrimSpace(sel.Environment) == EnvProduction {
			return "", fmt.Errorf("backend %q requires provider credentials in production", BackendEphemeral)
		}
		if logger != nil {
			logger.Warn("ephemeral backend credentials missing, falling back to docker",
				"environment", sel.Environment,
			)
		}
		return BackendDocker, nil
	default:
		return "", fmt.Errorf("unknown backend %q", name)
	}
}
