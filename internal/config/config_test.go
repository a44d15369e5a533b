package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPopulatesEveryRole(t *testing.T) {
	for _, role := range []Role{RolePilot, RoleControlTower, RoleCopilot} {
		opts := Default(role)
		if opts.Role != role {
			t.Fatalf("Role = %v, want %v", opts.Role, role)
		}
		if opts.NumRooms == 0 || opts.WorkerThreads == 0 {
			t.Fatalf("%v: expected nonzero pool sizing defaults", role)
		}
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controltower.ini")
	contents := "[controltower]\nlisten_address = 10.0.0.5:9000\nnum_rooms = 32\nbackoff_max = 30s\netcd_endpoints = a:2379,b:2379\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := Default(RoleControlTower)
	if err := opts.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if opts.ListenAddress != "10.0.0.5:9000" {
		t.Fatalf("ListenAddress = %q", opts.ListenAddress)
	}
	if opts.NumRooms != 32 {
		t.Fatalf("NumRooms = %d, want 32", opts.NumRooms)
	}
	if opts.BackoffMax != 30*time.Second {
		t.Fatalf("BackoffMax = %v, want 30s", opts.BackoffMax)
	}
	if len(opts.EtcdEndpoints) != 2 || opts.EtcdEndpoints[0] != "a:2379" {
		t.Fatalf("EtcdEndpoints = %v", opts.EtcdEndpoints)
	}
}

func TestBindFlagsOverridesLoadedFile(t *testing.T) {
	opts := Default(RolePilot)
	opts.NumRooms = 32

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	opts.BindFlags(fs)
	if err := fs.Parse([]string{"-num-rooms=64"}); err != nil {
		t.Fatal(err)
	}
	if opts.NumRooms != 64 {
		t.Fatalf("NumRooms = %d, want 64 after flag override", opts.NumRooms)
	}
}

func TestLoadFileMissingPathIsNoop(t *testing.T) {
	opts := Default(RolePilot)
	if err := opts.LoadFile(""); err != nil {
		t.Fatalf("LoadFile(\"\") should be a no-op, got %v", err)
	}
}
