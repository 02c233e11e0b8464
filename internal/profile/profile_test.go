package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/leadsync/internal/config"
)

func TestPathsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	if got, want := Dir("main"), filepath.Join(home, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if got, want := DBPath("work"), filepath.Join(home, "profiles", "work", "leadsync.db"); got != want {
		t.Errorf("DBPath(work) = %q, want %q", got, want)
	}
	if got, want := LockPath("work"), filepath.Join(home, "profiles", "work", "LOCK"); got != want {
		t.Errorf("LockPath(work) = %q, want %q", got, want)
	}
	if got, want := LogPath("work"), filepath.Join(home, "profiles", "work", "logs", "leadsyncd.log"); got != want {
		t.Errorf("LogPath(work) = %q, want %q", got, want)
	}
}

func TestBaseDirDefault(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".leadsync"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}
	if err := config.Save(ConfigPath(), &config.Config{DefaultProfile: "office"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "office" {
		t.Errorf("Resolve() = %q, want office", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "office2", false},
		{"valid with hyphen", "north-branch", false},
		{"valid with underscore", "north_branch", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
