package config

import "testing"

func withDocker(t *testing.T, inDocker bool) {
	t.Helper()
	original := dockerDetector
	dockerDetector = func() bool { return inDocker }
	t.Cleanup(func() { dockerDetector = original })
}

func TestResolveHost_InDocker(t *testing.T) {
	withDocker(t, true)

	tests := []struct {
		input    string
		expected string
	}{
		{"localhost", "host.docker.internal"},
		{"127.0.0.1", "host.docker.internal"},
		{"db.example.com", "db.example.com"},
		{"192.168.1.100", "192.168.1.100"},
	}

	for _, tt := range tests {
		if got := resolveHost(tt.input); got != tt.expected {
			t.Errorf("resolveHost(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestResolveHost_NotInDocker(t *testing.T) {
	withDocker(t, false)

	for _, host := range []string{"localhost", "127.0.0.1", "db.example.com"} {
		if got := resolveHost(host); got != host {
			t.Errorf("resolveHost(%q) = %q, want unchanged", host, got)
		}
	}
}

func TestDatabaseURL_UsesResolvedHost(t *testing.T) {
	withDocker(t, true)

	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "platform", SSLMode: "disable"}
	want := "postgres://u:p@host.docker.internal:5432/platform?sslmode=disable"
	if got := cfg.URL(); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}
