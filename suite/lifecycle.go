// Package suite orchestrates the run-scoped test environment: resolve the
// cluster endpoint, acquire a cluster handle, stage resources, hand tests
// their workspaces, and tear everything down once. The environment is an
// explicit object passed into tests, never ambient process state.
package suite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlspace/testenv/cluster"
	"github.com/crawlspace/testenv/config"
	"github.com/crawlspace/testenv/convergence"
	"github.com/crawlspace/testenv/fixtures"
	"github.com/crawlspace/testenv/internal/logging"
	"github.com/crawlspace/testenv/restclient"
)

// State is a position in the linear suite lifecycle. Transitions only move
// forward; re-invoking a setup step that already ran is a no-op.
type State int

const (
	StateInit State = iota
	StateResourcesStaged
	StateClusterReady
	StateRestClientReady
	StateRunning
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateResourcesStaged:
		return "resources-staged"
	case StateClusterReady:
		return "cluster-ready"
	case StateRestClientReady:
		return "rest-client-ready"
	case StateRunning:
		return "running"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// metadataDirName is the run metadata directory populated with default
// resources before any test runs.
const metadataDirName = ".crawlspace"

// crawlerPrefix namespaces crawler jobs created by tests so they never
// collide with real data in a reused cluster.
const crawlerPrefix = "crawlspace_"

// AcquireFunc yields the run's cluster handle.
type AcquireFunc func(ctx context.Context) (*cluster.Handle, error)

// Env is the run-scoped test environment. One Env is constructed per run
// and shared by all tests; its handle and clients are safe for concurrent
// use.
type Env struct {
	cfg     *config.Config
	runID   string
	runRoot string

	stager  *fixtures.Stager
	poller  *convergence.Poller
	acquire AcquireFunc
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	handle *cluster.Handle
	rest   *restclient.Client
}

// Option configures an Env.
type Option func(*Env)

// WithAcquire overrides how the cluster handle is obtained. Used by unit
// tests to avoid real clusters.
func WithAcquire(f AcquireFunc) Option {
	return func(e *Env) { e.acquire = f }
}

// WithPoller overrides the convergence poller used by AwaitHits.
func WithPoller(p *convergence.Poller) Option {
	return func(e *Env) { e.poller = p }
}

// New builds an Env from run configuration. Nothing is started yet; call
// Setup.
func New(cfg *config.Config, opts ...Option) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()[:8]
	runRoot := cfg.Staging.RootDir
	if runRoot == "" {
		runRoot = filepath.Join(os.TempDir(), "crawlspace-run-"+runID)
	}
	fixturesDir := cfg.Staging.FixturesDir
	if fixturesDir == "" {
		fixturesDir = filepath.Join("testdata", "samples")
	}

	e := &Env{
		cfg:     cfg,
		runID:   runID,
		runRoot: runRoot,
		stager:  fixtures.NewStager(fixturesDir, runRoot),
		poller:  convergence.New(),
		logger:  logging.Component("suite").With("run", runID),
	}
	e.acquire = func(ctx context.Context) (*cluster.Handle, error) {
		return cluster.NewProvisioner(cfg).Acquire(ctx)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Setup drives the lifecycle to RestClientReady: stage default resources,
// acquire the cluster, build the REST client. Safe to call again; steps
// already taken are skipped.
func (e *Env) Setup(ctx context.Context) error {
	if err := e.StageResources(); err != nil {
		return err
	}
	if err := e.StartCluster(ctx); err != nil {
		return err
	}
	return e.StartRestClient()
}

// StageResources creates the run root and populates the metadata directory
// with default resources.
func (e *Env) StageResources() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state >= StateResourcesStaged {
		return nil
	}

	if err := os.MkdirAll(e.runRoot, 0o755); err != nil {
		return fmt.Errorf("creating run root: %w", err)
	}
	metadataDir := filepath.Join(e.runRoot, metadataDirName)
	if err := fixtures.CopyDefaultResources(metadataDir); err != nil {
		return fmt.Errorf("populating metadata dir: %w", err)
	}
	e.logger.Debug("run metadata ready", "dir", metadataDir)

	e.state = StateResourcesStaged
	return nil
}

// StartCluster acquires the run's single cluster handle.
func (e *Env) StartCluster(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state >= StateClusterReady {
		return nil
	}
	if e.state < StateResourcesStaged {
		return fmt.Errorf("cannot start cluster from state %s", e.state)
	}

	handle, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	e.handle = handle
	e.logger.Info("cluster ready",
		"provisioned", handle.Provisioned(), "version", handle.Profile().MajorVersion)

	e.state = StateClusterReady
	return nil
}

// StartRestClient builds the client for the REST service under test.
func (e *Env) StartRestClient() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state >= StateRestClientReady {
		return nil
	}
	if e.state < StateClusterReady {
		return fmt.Errorf("cannot start rest client from state %s", e.state)
	}

	e.rest = restclient.New(e.cfg.Rest.Port)
	e.state = StateRestClientReady
	return nil
}

// BeginTest stages the named test's fixtures into a fresh workspace and
// moves the suite into (or keeps it in) the Running state. Unlike setup
// transitions, Running repeats once per test.
func (e *Env) BeginTest(testName string) (fixtures.Workspace, error) {
	e.mu.Lock()
	if e.state != StateRestClientReady && e.state != StateRunning {
		e.mu.Unlock()
		return fixtures.Workspace{}, fmt.Errorf("cannot begin test from state %s", e.state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.logger.Info("launching test", "test", testName)
	return e.stager.Stage(testName)
}

// TestFailed records a test failure and dumps the workspace contents at
// warn level for post-mortem without requiring a reproduction run.
func (e *Env) TestFailed(ws fixtures.Workspace) {
	e.DumpWorkspace(ws, slog.LevelWarn)
	if h := e.Cluster(); h != nil {
		h.MarkRunFailed()
	}
}

// Teardown closes the REST client and the cluster handle. It is idempotent
// and never propagates close errors; they are logged so they cannot mask
// the real test outcome.
func (e *Env) Teardown(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateTornDown {
		e.mu.Unlock()
		return
	}
	e.state = StateTornDown
	rest := e.rest
	handle := e.handle
	e.mu.Unlock()

	if rest != nil {
		rest.Close()
	}
	if handle != nil {
		if err := handle.Close(ctx); err != nil {
			e.logger.Warn("closing cluster handle", "error", err)
		}
	}
	e.logger.Info("test environment torn down")
}

// State returns the current lifecycle state.
func (e *Env) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cluster returns the run's cluster handle, or nil before StartCluster.
func (e *Env) Cluster() *cluster.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Rest returns the REST client, or nil before StartRestClient.
func (e *Env) Rest() *restclient.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rest
}

// RunRoot returns the run-scoped root directory.
func (e *Env) RunRoot() string { return e.runRoot }

// MetadataDir returns the run metadata directory.
func (e *Env) MetadataDir() string {
	return filepath.Join(e.runRoot, metadataDirName)
}

// CrawlerName derives the crawler job name for a test. Anything after the
// first space in the test name is dropped so parameterized test names stay
// valid job names.
func (e *Env) CrawlerName(className, testName string) string {
	name := crawlerPrefix + className + "_" + testName
	if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	return name
}

// AwaitHits polls a search until the expected number of documents is
// visible, or at least one when expected is nil. On a miss the workspace
// listing is dumped at warn level; on a hit at debug level. The outcome is
// returned for the caller's assertion along with the last search response.
func (e *Env) AwaitHits(ctx context.Context, index, query string, expected *int64, timeout time.Duration, ws fixtures.Workspace) (convergence.Outcome, cluster.SearchResult) {
	client := e.Cluster().Client()

	e.logger.Info("waiting for documents",
		"index", index, "expected", expectedString(expected), "timeout", timeout)

	var last cluster.SearchResult
	outcome := e.poller.Await(ctx, func(ctx context.Context) (int64, error) {
		result, err := client.Search(ctx, index, query)
		if err != nil {
			return 0, err
		}
		last = result
		return result.TotalHits, nil
	}, expected, timeout)

	if outcome.Succeeded {
		e.logger.Debug("document count converged",
			"index", index, "hits", outcome.LastValue, "elapsed", outcome.Elapsed)
		e.DumpWorkspace(ws, slog.LevelDebug)
	} else {
		e.logger.Warn("document count did not converge",
			"index", index, "expected", expectedString(expected),
			"got", outcome.LastValue, "elapsed", outcome.Elapsed)
		e.DumpWorkspace(ws, slog.LevelWarn)
	}
	return outcome, last
}

func expectedString(expected *int64) string {
	if expected == nil {
		return "some"
	}
	return fmt.Sprintf("%d", *expected)
}
