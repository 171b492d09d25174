package config

import (
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// dockerDetector is swapped in tests.
var dockerDetector = func() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// resolveHost maps loopback hosts to host.docker.internal when the process
// runs inside a container, so a containerized service can still reach a
// database or Redis published on the host machine.
func resolveHost(host string) string {
	if !dockerDetector() {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}
