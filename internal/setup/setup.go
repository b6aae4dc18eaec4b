// Package setup creates and locates the per-project state directory.
// Everything the orchestrator persists for a project lives under
// .overseer/ at the project root.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/overseer-dev/overseer/internal/model"
	"github.com/overseer-dev/overseer/internal/yaml"
)

// DirName is the state directory created at the project root.
const DirName = ".overseer"

// Paths locates every file the orchestrator keeps for one project.
type Paths struct {
	Root      string // the .overseer directory
	Config    string
	DB        string
	Logs      string
	Approvals string
	Memory    string
	LockFile  string
	AuditLog  string
}

// ProjectPaths computes the state paths for a project root.
func ProjectPaths(projectRoot string) Paths {
	root := filepath.Join(projectRoot, DirName)
	return Paths{
		Root:      root,
		Config:    filepath.Join(root, "config.yaml"),
		DB:        filepath.Join(root, "overseer.db"),
		Logs:      filepath.Join(root, "logs"),
		Approvals: filepath.Join(root, "approvals"),
		Memory:    root,
		LockFile:  filepath.Join(root, "overseer.lock"),
		AuditLog:  filepath.Join(root, "logs", "audit.jsonl"),
	}
}

// Init scaffolds the state directory: subdirectories plus a default
// config when none exists. Running it on an initialized project is a
// no-op apart from filling in missing pieces.
func Init(projectRoot string) (Paths, error) {
	paths := ProjectPaths(projectRoot)

	for _, dir := range []string{paths.Root, paths.Logs, paths.Approvals} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Paths{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
		cfg := model.DefaultConfig()
		cfg.Project.Name = filepath.Base(mustAbs(projectRoot))
		cfg.Project.Root = mustAbs(projectRoot)
		if err := yaml.AtomicWrite(paths.Config, cfg); err != nil {
			return Paths{}, fmt.Errorf("write default config: %w", err)
		}
	}

	return paths, nil
}

// LoadConfig reads the project config, applying defaults for anything
// unset. A missing config file yields the defaults.
func LoadConfig(paths Paths) (model.Config, error) {
	cfg := model.DefaultConfig()
	err := yaml.Read(paths.Config, &cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return model.Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// IsInitialized reports whether the project has a state directory.
func IsInitialized(projectRoot string) bool {
	info, err := os.Stat(filepath.Join(projectRoot, DirName))
	return err == nil && info.IsDir()
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
