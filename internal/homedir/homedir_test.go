package homedir

import (
	"path/filepath"
	"testing"
)

func TestDataDir(t *testing.T) {
	t.Setenv(DataDirEnv, "")
	t.Setenv("HOME", "/home/someone")
	if got, want := DataDir(), filepath.Join("/home/someone", ".mailwatch"); got != want {
		t.Errorf("DataDir() = %q, want %q", got, want)
	}
	t.Setenv(DataDirEnv, "/srv/mailwatch")
	if got := DataDir(); got != "/srv/mailwatch" {
		t.Errorf("DataDir() = %q, want the %s override", got, DataDirEnv)
	}
}
