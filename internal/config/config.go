// Package config reads the agent's environment-variable bootstrap. The
// agent takes no flags and no config file: everything is env, matching
// how the fleet is deployed.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Defaults for unset variables.
const (
	DefaultHost     = "0.0.0.0"
	DefaultMeshPort = 8181

	// DefaultPortScanStart is where the HTTP port scan begins when PORT
	// is unset.
	DefaultPortScanStart = 8100
)

// RoleMode is a three-state switch for an optional role.
type RoleMode string

const (
	RoleAlways RoleMode = "always"
	RoleAuto   RoleMode = "auto"
	RoleNever  RoleMode = "never"
)

// ParseRoleMode interprets a role env value. Invalid values warn and
// fall back to never.
func ParseRoleMode(name, value string) RoleMode {
	switch RoleMode(value) {
	case RoleAlways, RoleAuto, RoleNever:
		return RoleMode(value)
	case "":
		return RoleAuto
	default:
		slog.Warn("invalid value for role environment variable; defaulting to never",
			"var", name, "value", value)
		return RoleNever
	}
}

// Config is the agent's resolved environment.
type Config struct {
	Host     string
	Port     int // 0 means scan upward from DefaultPortScanStart
	MeshPort int

	StorageRole RoleMode
	RunnerRole  RoleMode

	BlobStore      string
	ExtensionsPath string
}

// FromEnv resolves the configuration from the process environment.
func FromEnv() Config {
	cfg := Config{
		Host:        DefaultHost,
		MeshPort:    DefaultMeshPort,
		StorageRole: ParseRoleMode("STORAGE_ROLE", os.Getenv("STORAGE_ROLE")),
		RunnerRole:  ParseRoleMode("RUNNER_ROLE", os.Getenv("RUNNER_ROLE")),
		BlobStore:   filepath.Join(os.TempDir(), "serval_storage"),
	}

	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if port, ok := envPort("PORT"); ok {
		cfg.Port = port
	}
	if port, ok := envPort("MESH_PORT"); ok {
		cfg.MeshPort = port
	}
	if path := os.Getenv("BLOB_STORE"); path != "" {
		cfg.BlobStore = path
	}
	cfg.ExtensionsPath = os.Getenv("EXTENSIONS_PATH")

	return cfg
}

func envPort(name string) (int, bool) {
	value := os.Getenv(name)
	if value == "" {
		return 0, false
	}
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		slog.Warn("ignoring unparseable port environment variable", "var", name, "value", value)
		return 0, false
	}
	return int(port), true
}
