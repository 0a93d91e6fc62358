package kernelproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Result is the decoded outcome of one driver execution.
type Result struct {
	Status         string
	Stdout         string
	Stderr         string
	Display        map[string]any
	ExecutionCount int
	ErrorName      string
	ErrorValue     string
	Traceback      []string
	Variables      map[string]Variable
}

// Variable is the introspection outcome for one captured variable. Type
// is empty when the companion type probe failed; the probe's own error
// never fails the decode.
type Variable struct {
	Status     string   `json:"status"`
	Type       string   `json:"type,omitempty"`
	ErrorName  string   `json:"ename,omitempty"`
	ErrorValue string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

type rawDocument struct {
	Status          string                   `json:"status"`
	Stdout          string                   `json:"stdout"`
	Stderr          string                   `json:"stderr"`
	Display         map[string]any           `json:"display"`
	ExecutionCount  *int                     `json:"execution_count"`
	ErrorName       string                   `json:"ename"`
	ErrorValue      string                   `json:"evalue"`
	Traceback       []string                 `json:"traceback"`
	UserExpressions map[string]rawExpression `json:"user_expressions"`
}

type rawExpression struct {
	Status    string            `json:"status"`
	Data      map[string]string `json:"data"`
	ErrorName string            `json:"ename"`
	ErrorVal  string            `json:"evalue"`
	Traceback []string          `json:"traceback"`
}

// DecodeResult parses the JSON document printed by the driver and pairs
// each variable's value expression with its companion type probe.
func DecodeResult(raw []byte) (*Result, error) {
	var doc rawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse driver document: %w", err)
	}
	if doc.Status == "" {
		return nil, fmt.Errorf("driver document missing status")
	}

	result := &Result{
		Status:     doc.Status,
		Stdout:     doc.Stdout,
		Stderr:     doc.Stderr,
		Display:    doc.Display,
		ErrorName:  doc.ErrorName,
		ErrorValue: doc.ErrorValue,
		Traceback:  doc.Traceback,
	}
	if doc.ExecutionCount != nil {
		result.ExecutionCount = *doc.ExecutionCount
	}

	if len(doc.UserExpressions) > 0 {
		result.Variables = decodeVariables(doc.UserExpressions)
	}
	return result, nil
}

func decodeVariables(exprs map[string]rawExpression) map[string]Variable {
	vars := make(map[string]Variable)
	for name, expr := range exprs {
		if strings.HasPrefix(name, typeProbePrefix) {
			continue
		}
		v := Variable{Status: expr.Status}
		if expr.Status == StatusError {
			v.ErrorName = expr.ErrorName
			v.ErrorValue = expr.ErrorVal
			v.Traceback = expr.Traceback
		} else if probe, ok := exprs[typeProbePrefix+name]; ok && probe.Status == StatusOK {
			v.Type = unquoteTypeName(probe.Data["text/plain"])
		}
		vars[name] = v
	}
	return vars
}

// unquoteTypeName strips the repr quoting the kernel applies to the
// type-name string, e.g. "'int'" -> "int".
func unquoteTypeName(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		if (text[0] == '\'' && text[len(text)-1] == '\'') || (text[0] == '"' && text[len(text)-1] == '"') {
			return text[1 : len(text)-1]
		}
	}
	return text
}

// LastLine extracts the final non-empty line of driver stdout, which by
// contract holds the JSON document.
func LastLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
