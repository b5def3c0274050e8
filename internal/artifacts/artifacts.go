// Package artifacts is the Artifact Manager: each learning-loop cycle
// gets its own directory under a configured base, holding one plain
// file per named artifact, with older cycles compacted into a history
// subtree.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/atlas-quant/execution-engine/internal/fsutil"
)

// Manager reads and writes cycle-scoped artifact files under BasePath.
type Manager struct {
	basePath         string
	retainedCycles   int
	historySubdir    string
}

// New builds an Artifact Manager rooted at basePath, retaining the
// retainedCycles most recent cycle directories before archiving older
// ones into a history subtree.
func New(basePath string, retainedCycles int) *Manager {
	if retainedCycles <= 0 {
		retainedCycles = 10
	}
	return &Manager{basePath: basePath, retainedCycles: retainedCycles, historySubdir: "history"}
}

func (m *Manager) cycleDir(cycleID string) string {
	return filepath.Join(m.basePath, cycleID)
}

// EnsureCycleDir creates the directory for cycleID if it doesn't exist.
func (m *Manager) EnsureCycleDir(cycleID string) error {
	if err := os.MkdirAll(m.cycleDir(cycleID), 0o755); err != nil {
		return fmt.Errorf("artifacts: mkdir %s: %w", cycleID, err)
	}
	return nil
}

// Write persists content as the named artifact within cycleID's
// directory, atomically.
func (m *Manager) Write(cycleID, name string, content []byte) error {
	if err := m.EnsureCycleDir(cycleID); err != nil {
		return err
	}
	path := filepath.Join(m.cycleDir(cycleID), name)
	if err := fsutil.WriteFileAtomic(path, content, 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s/%s: %w", cycleID, name, err)
	}
	return nil
}

// Read returns the named artifact's content within cycleID's directory.
func (m *Manager) Read(cycleID, name string) ([]byte, error) {
	path := filepath.Join(m.cycleDir(cycleID), name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s/%s: %w", cycleID, name, err)
	}
	return raw, nil
}

// Exists reports whether the named artifact exists within cycleID's
// directory.
func (m *Manager) Exists(cycleID, name string) bool {
	_, err := os.Stat(filepath.Join(m.cycleDir(cycleID), name))
	return err == nil
}

// strategyArtifactName is the artifact "latest completed cycle" keys
// on: a cycle without it never produced a strategy.
const strategyArtifactName = "strategy.json"

// LatestCompletedCycle returns the id of the most recent cycle
// directory (by name, descending) whose strategy.json artifact
// exists, or "" if none.
func (m *Manager) LatestCompletedCycle() (string, error) {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("artifacts: list %s: %w", m.basePath, err)
	}
	var cycleIDs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != m.historySubdir {
			cycleIDs = append(cycleIDs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(cycleIDs)))
	for _, id := range cycleIDs {
		if m.Exists(id, strategyArtifactName) {
			return id, nil
		}
	}
	return "", nil
}

// ListCycles returns every cycle id with a directory under basePath,
// most recent first, for the runner operator surface's /cycles route.
func (m *Manager) ListCycles() ([]string, error) {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifacts: list %s: %w", m.basePath, err)
	}
	var cycleIDs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != m.historySubdir {
			cycleIDs = append(cycleIDs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(cycleIDs)))
	return cycleIDs, nil
}

// ListArtifacts returns the artifact file names present in cycleID's
// directory, sorted, for the runner surface's /cycles/{id} route.
func (m *Manager) ListArtifacts(cycleID string) ([]string, error) {
	entries, err := os.ReadDir(m.cycleDir(cycleID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifacts: list cycle %s: %w", cycleID, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ArchiveOld moves any cycle directory older than the retainedCycles
// most recent ones into the history subtree, compressing each moved
// directory into a .zip archive. Compression failures for one
// directory don't block archiving the rest.
func (m *Manager) ArchiveOld() error {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("artifacts: list %s: %w", m.basePath, err)
	}
	var cycleIDs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != m.historySubdir {
			cycleIDs = append(cycleIDs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(cycleIDs)))
	if len(cycleIDs) <= m.retainedCycles {
		return nil
	}

	historyDir := filepath.Join(m.basePath, m.historySubdir)
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return fmt.Errorf("artifacts: mkdir history: %w", err)
	}

	var firstErr error
	for _, id := range cycleIDs[m.retainedCycles:] {
		if err := m.archiveCycle(id, historyDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) archiveCycle(cycleID, historyDir string) error {
	src := m.cycleDir(cycleID)
	archivePath := filepath.Join(historyDir, cycleID+".zip")
	if err := zipDir(src, archivePath); err != nil {
		return fmt.Errorf("artifacts: compress %s: %w", cycleID, err)
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("artifacts: remove %s after archive: %w", cycleID, err)
	}
	return nil
}
