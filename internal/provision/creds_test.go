package provision

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCredsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write creds file: %v", err)
	}
	return path
}

func clearKaggleEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KAGGLE_USERNAME", "")
	t.Setenv("KAGGLE_KEY", "")
}

func TestFileCredentials_FromFile(t *testing.T) {
	clearKaggleEnv(t)
	path := writeCredsFile(t, `{"team-a": {"username": "alice", "key": "k-123"}}`)

	creds, err := NewFileCredentials(path).Get("team-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if creds == nil {
		t.Fatal("creds = nil, want team-a entry")
	}
	if creds.Username != "alice" || creds.Key != "k-123" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestFileCredentials_UnknownAccountFallsBackToEnv(t *testing.T) {
	t.Setenv("KAGGLE_USERNAME", "envuser")
	t.Setenv("KAGGLE_KEY", "envkey")
	path := writeCredsFile(t, `{"team-a": {"username": "alice", "key": "k-123"}}`)

	creds, err := NewFileCredentials(path).Get("team-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if creds == nil || creds.Username != "envuser" {
		t.Errorf("creds = %+v, want env fallback", creds)
	}
}

func TestFileCredentials_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("KAGGLE_USERNAME", "envuser")
	t.Setenv("KAGGLE_KEY", "envkey")

	creds, err := NewFileCredentials(filepath.Join(t.TempDir(), "absent.json")).Get("any")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if creds == nil || creds.Key != "envkey" {
		t.Errorf("creds = %+v, want env fallback", creds)
	}
}

func TestFileCredentials_AbsentIsNilNotError(t *testing.T) {
	clearKaggleEnv(t)

	creds, err := NewFileCredentials("").Get("team-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if creds != nil {
		t.Errorf("creds = %+v, want nil for unconfigured account", creds)
	}
}

func TestFileCredentials_MalformedFile(t *testing.T) {
	clearKaggleEnv(t)
	path := writeCredsFile(t, `{not json`)

	_, err := NewFileCredentials(path).Get("team-a")
	if err == nil {
		t.Fatal("expected error for malformed credentials file")
	}
}
