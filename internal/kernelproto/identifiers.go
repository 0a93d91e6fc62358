package kernelproto

import "regexp"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Python keywords cannot name variables, so probing them is pointless.
var pythonKeywords = map[string]struct{}{
	"False": {}, "None": {}, "True": {}, "and": {}, "as": {}, "assert": {},
	"async": {}, "await": {}, "break": {}, "class": {}, "continue": {},
	"def": {}, "del": {}, "elif": {}, "else": {}, "except": {},
	"finally": {}, "for": {}, "from": {}, "global": {}, "if": {},
	"import": {}, "in": {}, "is": {}, "lambda": {}, "nonlocal": {},
	"not": {}, "or": {}, "pass": {}, "raise": {}, "return": {}, "try": {},
	"while": {}, "with": {}, "yield": {},
}

// FilterIdentifiers keeps syntactically valid identifiers and silently
// drops the rest. Introspection is best-effort; one malformed name must
// never fail a whole execution.
func FilterIdentifiers(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !identifierPattern.MatchString(name) {
			continue
		}
		if _, ok := pythonKeywords[name]; ok {
			continue
		}
		out = append(out, name)
	}
	return out
}
