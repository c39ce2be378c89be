// Package fixtures stages static file trees into isolated per-test
// workspaces under a run-scoped root. Each test gets its own copy even when
// several tests share the same source files, which keeps test bodies free
// of cross-test interference concerns.
package fixtures

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crawlspace/testenv/internal/logging"
)

// ErrFixtureNotFound is returned when neither a test-specific fixture
// directory nor the common fallback exists. It fails the single test that
// asked for it, not the whole run.
var ErrFixtureNotFound = errors.New("fixture not found")

// CommonDir is the shared fixture directory used when a test has no
// directory of its own. Falling back to it is normal, not an error.
const CommonDir = "common"

// resourcesDir is the subdirectory of the run root that holds staged
// workspaces.
const resourcesDir = "resources"

//go:embed defaults
var defaultResources embed.FS

// Workspace is a per-test directory tree under the run-scoped root. It is
// owned by the test while it runs and reclaimed with the run root, not
// between tests.
type Workspace struct {
	TestName string
	Dir      string
}

// Stager copies fixture trees into per-test workspaces.
type Stager struct {
	fixturesRoot string
	runRoot      string
	logger       *slog.Logger
}

// NewStager creates a stager reading fixtures from fixturesRoot and staging
// workspaces under runRoot.
func NewStager(fixturesRoot, runRoot string) *Stager {
	return &Stager{
		fixturesRoot: fixturesRoot,
		runRoot:      runRoot,
		logger:       logging.Component("fixtures"),
	}
}

// Stage copies the fixture tree named after the test into a fresh workspace
// under the run root. When no directory matches the test name the common
// fixture set is staged instead; only when neither exists does staging fail
// with ErrFixtureNotFound.
//
// Concurrent staging for different tests is safe: directory creation is
// create-if-absent and each test writes only under its own name.
func (s *Stager) Stage(testName string) (Workspace, error) {
	target := filepath.Join(s.runRoot, resourcesDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("creating staging root: %w", err)
	}

	src := filepath.Join(s.fixturesRoot, testName)
	if !DirExists(src) {
		fallback := filepath.Join(s.fixturesRoot, CommonDir)
		if !DirExists(fallback) {
			return Workspace{}, fmt.Errorf("%w: no fixture dir for %q and no %q fallback under %s",
				ErrFixtureNotFound, testName, CommonDir, s.fixturesRoot)
		}
		s.logger.Debug("no named fixture set, staging common fixtures", "test", testName)
		src = fallback
	} else {
		s.logger.Debug("staging named fixture set", "test", testName, "source", src)
	}

	// Re-staging the same test starts from a clean tree so files deleted
	// from the fixture set do not linger in the workspace.
	dir := filepath.Join(target, testName)
	if err := DeleteRecursively(dir); err != nil {
		return Workspace{}, err
	}
	if err := CopyDirs(src, dir); err != nil {
		return Workspace{}, fmt.Errorf("staging fixtures for %q: %w", testName, err)
	}

	s.logger.Debug("test resources ready", "dir", dir)
	return Workspace{TestName: testName, Dir: dir}, nil
}

// CopyDefaultResources populates dir with the default metadata resources
// every run needs before the first test executes.
func CopyDefaultResources(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}
	return fs.WalkDir(defaultResources, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel("defaults", path)
		if err != nil {
			return err
		}
		data, err := defaultResources.ReadFile(path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	})
}
