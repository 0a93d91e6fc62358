// Package sessionkey derives the stable identity of a kernel session and
// the distributed lock name that serializes operations against it.
package sessionkey

import (
	"fmt"
	"strings"
)

// AnonymousUser is the sentinel used in place of a user id for shared or
// unauthenticated sessions.
const AnonymousUser = "anonymous"

const lockPrefix = "kerneld:kernel:"

// Key identifies at most one live kernel at a time. UserID may be empty,
// in which case the anonymous sentinel is used.
type Key struct {
	Backend    string
	TeamID     string
	NotebookID string
	UserID     string
}

func (k Key) User() string {
	user := strings.TrimSpace(k.UserID)
	if user == "" {
		return AnonymousUser
	}
	return user
}

// String renders the registry key. Two requests with equal keys must never
// concurrently drive the same sandbox.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Backend, k.TeamID, k.NotebookID, k.User())
}

// LockName renders the distributed lock name for this session.
func (k Key) LockName() string {
	return lockPrefix + k.String()
}
