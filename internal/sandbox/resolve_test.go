package sandbox

import (
	"strings"
	"testing"
)

func TestSelectDefaultsToDocker(t *testing.T) {
	name, err := Select(Selection{}, nil)
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if name != BackendDocker {
		t.Fatalf("expected docker default, got %q", name)
	}
}

func TestSelectEphemeralWithCredentials(t *testing.T) {
	name, err := Select(Selection{Requested: BackendEphemeral, Environment: EnvProduction, HasCredentials: true}, nil)
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if name != BackendEphemeral {
		t.Fatalf("expected ephemeral, got %q", name)
	}
}

func TestSelectEphemeralMissingCredentialsInProduction(t *testing.T) {
	_, err := Select(Selection{Requested: BackendEphemeral, Environment: EnvProduction}, nil)
	if err == nil {
		t.Fatalf("expected error for missing credentials in production")
	}
	if !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("expected credential error, got %v", err)
	}
}

func TestSelectEphemeralMissingCredentialsFallsBack(t *testing.T) {
	name, err := Select(Selection{Requested: BackendEphemeral, Environment: "development"}, nil)
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if name != BackendDocker {
		t.Fatalf("expected docker fallback, got %q", name)
	}
}

func TestSelectUnknownBackend(t *testing.T) {
	if _, err := Select(Selection{Requested: "vz"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
