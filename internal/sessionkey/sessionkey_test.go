package sessionkey

import "testing"

func TestKeyString(t *testing.T) {
	key := Key{Backend: "docker", TeamID: "team-1", NotebookID: "nb-abc", UserID: "user-9"}
	if got := key.String(); got != "docker:team-1:nb-abc:user-9" {
		t.Fatalf("unexpected key string %q", got)
	}
}

func TestKeyAnonymousSentinel(t *testing.T) {
	key := Key{Backend: "ephemeral", TeamID: "team-1", NotebookID: "nb-abc"}
	if got := key.String(); got != "ephemeral:team-1:nb-abc:anonymous" {
		t.Fatalf("expected anonymous sentinel, got %q", got)
	}

	key.UserID = "   "
	if got := key.User(); got != AnonymousUser {
		t.Fatalf("whitespace user should map to sentinel, got %q", got)
	}
}

func TestLockNameStableForEqualKeys(t *testing.T) {
	a := Key{Backend: "docker", TeamID: "t", NotebookID: "n", UserID: "u"}
	b := Key{Backend: "docker", TeamID: "t", NotebookID: "n", UserID: "u"}
	if a.LockName() != b.LockName() {
		t.Fatalf("equal keys must derive equal lock names")
	}
	if a.LockName() != "kerneld:kernel:docker:t:n:u" {
		t.Fatalf("unexpected lock name %q", a.LockName())
	}
}
