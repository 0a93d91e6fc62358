// Package kernelproto builds and decodes the wire exchange with the
// protocol driver that runs inside a sandbox. The driver itself is a
// single versioned embedded asset; this package renders a typed payload
// into the command that ships it through the sandbox's exec channel and
// decodes the one JSON document the driver prints back.
package kernelproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	_ "embed"
)

//go:embed driver.py
var driverSource string

// ReadySentinel is printed by the driver when a ready probe succeeds.
const ReadySentinel = "KERNELD_READY"

type Action string

const (
	ActionReady   Action = "ready"
	ActionExecute Action = "execute"
)

// Payload parameterizes one driver invocation. Timeouts are in seconds as
// the driver consumes them.
type Payload struct {
	Action          Action            `json:"action"`
	ConnectionFile  string            `json:"connection_file"`
	ConnectTimeout  float64           `json:"connect_timeout,omitempty"`
	Code            string            `json:"code,omitempty"`
	Timeout         float64           `json:"timeout,omitempty"`
	UserExpressions map[string]string `json:"user_expressions,omitempty"`
}

// Render produces the argv that runs the driver inside the sandbox. The
// payload travels base64-encoded as the script's single argument.
func Render(p Payload) ([]string, error) {
	if p.Action != ActionReady && p.Action != ActionExecute {
		return nil, fmt.Errorf("unknown driver action %q", p.Action)
	}
	if p.ConnectionFile == "" {
		return nil, fmt.Errorf("missing connection file")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal driver payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return []string{"python3", "-c", driverSource, encoded}, nil
}

const typeProbePrefix = "__type__"

// UserExpressionsFor builds the introspection expressions for the given
// variable names: the value itself plus a companion type-name probe per
// variable. Names must already be filtered to valid identifiers.
func UserExpressionsFor(names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	exprs := make(map[string]string, len(names)*2)
	for _, name := range names {
		exprs[name] = name
		exprs[typeProbePrefix+name] = fmt.Sprintf("type(%s).__name__", name)
	}
	return exprs
}
