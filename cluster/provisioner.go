package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/crawlspace/testenv/config"
	"github.com/crawlspace/testenv/endpoint"
	"github.com/crawlspace/testenv/internal/logging"
)

// ErrProvisioning marks fatal failures to start or reach an ephemeral
// cluster container. The suite aborts before running any test.
var ErrProvisioning = errors.New("cluster provisioning failed")

// localProbeHost is the host probed when configuration names no cluster.
const localProbeHost = "localhost"

// ContainerStarter launches the ephemeral cluster container. Injected in
// unit tests so provisioning paths can be exercised without Docker.
type ContainerStarter func(ctx context.Context, opts ...ContainerOption) (StartedContainer, error)

// ClientFactory builds a cluster client for an endpoint.
type ClientFactory func(ep endpoint.Endpoint) SearchClient

// Provisioner decides between reusing a reachable cluster and launching an
// ephemeral container, yielding exactly one Handle per run.
type Provisioner struct {
	cfg       *config.Config
	newClient ClientFactory
	start     ContainerStarter
	logger    *slog.Logger
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithClientFactory overrides how cluster clients are built.
func WithClientFactory(f ClientFactory) ProvisionerOption {
	return func(p *Provisioner) { p.newClient = f }
}

// WithContainerStarter overrides how containers are launched.
func WithContainerStarter(s ContainerStarter) ProvisionerOption {
	return func(p *Provisioner) { p.start = s }
}

// NewProvisioner creates a Provisioner for the given run configuration.
func NewProvisioner(cfg *config.Config, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		cfg:       cfg,
		newClient: NewSearchClient,
		start: func(ctx context.Context, opts ...ContainerOption) (StartedContainer, error) {
			return StartContainer(ctx, opts...)
		},
		logger: logging.Component("provisioner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire turns a resolver verdict into a live cluster handle.
//
// A determined endpoint is connected directly; if its liveness probe fails
// the run aborts rather than silently provisioning a substitute. An
// undetermined verdict probes the conventional local address first:
// connection refused means nothing is listening and a container is started,
// while any other I/O error is surfaced immediately so unrelated failures
// are never masked as "need to provision". Whichever path wins, one final
// probe negotiates the cluster's behavior profile before the handle is
// returned.
func (p *Provisioner) Acquire(ctx context.Context) (*Handle, error) {
	res, err := endpoint.Resolve(p.cfg.Endpoint())
	if err != nil {
		return nil, err
	}
	return p.acquire(ctx, res)
}

// AcquireResolved is Acquire for callers that already ran the resolver.
func (p *Provisioner) AcquireResolved(ctx context.Context, res endpoint.Resolution) (*Handle, error) {
	return p.acquire(ctx, res)
}

func (p *Provisioner) acquire(ctx context.Context, res endpoint.Resolution) (*Handle, error) {
	var (
		ep        endpoint.Endpoint
		container StartedContainer
	)

	if res.Determined {
		ep = res.Endpoint
		if err := p.probe(ctx, ep); err != nil {
			return nil, fmt.Errorf("%w: configured cluster endpoint %s is unreachable: %w",
				endpoint.ErrConfiguration, ep.String(), err)
		}
	} else {
		local := res.Endpoint
		local.Host = localProbeHost

		probeErr := p.probe(ctx, local)
		switch {
		case probeErr == nil:
			p.logger.Debug("a cluster is already running locally, no container needed",
				"endpoint", local.String())
			ep = local
		case isConnRefused(probeErr):
			p.logger.Info("no local cluster running, starting a container",
				"image", p.cfg.Container.Image, "version", p.cfg.Container.Version)
			started, err := p.start(ctx,
				WithImage(p.cfg.Container.Image),
				WithVersion(p.cfg.Container.Version),
				WithCredentials(p.cfg.Cluster.Username, p.cfg.Cluster.Password),
				WithStartupTimeout(p.cfg.Container.StartupTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
			}
			container = started
			ep = endpoint.Endpoint{
				Host:     started.HTTPHost(),
				Port:     started.HTTPPort(),
				Scheme:   endpoint.SchemeHTTP,
				Username: p.cfg.Cluster.Username,
				Password: p.cfg.Cluster.Password,
			}
		default:
			return nil, fmt.Errorf("probing local cluster: %w", probeErr)
		}
	}

	p.logger.Info("connecting to cluster", "endpoint", ep.String())
	client := p.newClient(ep)
	profile, err := client.Negotiate(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			p.logger.Warn("closing client after failed negotiation", "error", closeErr)
		}
		p.teardownOnSetupFailure(ctx, container)
		if container != nil {
			return nil, fmt.Errorf("%w: provisioned cluster never became reachable: %w", ErrProvisioning, err)
		}
		return nil, fmt.Errorf("cluster liveness probe failed: %w", err)
	}

	return &Handle{
		client:    client,
		profile:   profile,
		container: container,
		policy:    p.cfg.Container.Teardown,
		logger:    p.logger,
	}, nil
}

// probe tests liveness through a throwaway client which is always closed
// before any branching decision, whatever the outcome.
func (p *Provisioner) probe(ctx context.Context, ep endpoint.Endpoint) error {
	client := p.newClient(ep)
	_, err := client.Info(ctx)
	if closeErr := client.Close(); closeErr != nil {
		p.logger.Warn("closing probe client", "error", closeErr)
	}
	return err
}

func (p *Provisioner) teardownOnSetupFailure(ctx context.Context, container StartedContainer) {
	if container == nil || p.cfg.Container.Teardown == config.TeardownNever {
		return
	}
	if err := container.Terminate(ctx); err != nil {
		p.logger.Warn("terminating container after setup failure", "error", err)
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Handle owns the one live cluster connection a run gets. It is safe for
// concurrent use across parallel tests.
type Handle struct {
	client    SearchClient
	profile   Profile
	container StartedContainer
	policy    config.TeardownPolicy
	logger    *slog.Logger

	mu        sync.Mutex
	runFailed bool
	closed    bool
}

// Client returns the shared cluster client.
func (h *Handle) Client() SearchClient { return h.client }

// Profile returns the behavior profile negotiated at acquisition.
func (h *Handle) Profile() Profile { return h.profile }

// Provisioned reports whether this run launched its own container.
func (h *Handle) Provisioned() bool { return h.container != nil }

// MarkRunFailed records that at least one test failed, which the
// on-success teardown policy consults.
func (h *Handle) MarkRunFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runFailed = true
}

// Close shuts the client down and applies the container teardown policy.
// It is idempotent; partial setup failures call it from several states.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	runFailed := h.runFailed
	h.mu.Unlock()

	err := h.client.Close()

	if h.container != nil && h.shouldTerminate(runFailed) {
		if termErr := h.container.Terminate(ctx); termErr != nil {
			h.logger.Warn("terminating cluster container", "error", termErr)
		}
	}
	return err
}

func (h *Handle) shouldTerminate(runFailed bool) bool {
	switch h.policy {
	case config.TeardownAlways:
		return true
	case config.TeardownOnSuccess:
		return !runFailed
	default:
		// Leaving the container running lets the next run reuse it
		// instead of paying the startup cost again.
		return false
	}
}
