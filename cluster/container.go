package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/crawlspace/testenv/endpoint"
)

const (
	// DefaultImageRepository is the cluster image used when none is
	// configured.
	DefaultImageRepository = "docker.elastic.co/elasticsearch/elasticsearch"

	// DefaultImageVersion pins the cluster version tests run against
	// unless run configuration overrides it.
	DefaultImageVersion = "8.14.3"

	httpPort = "9200/tcp"
)

// StartedContainer is what the provisioner needs from a running cluster
// container: where to reach it and how to stop it.
type StartedContainer interface {
	HTTPHost() string
	HTTPPort() int
	Terminate(ctx context.Context) error
}

// Container is a running ephemeral search-cluster container.
type Container struct {
	container testcontainers.Container
	host      string
	port      int
}

// ContainerOption is a functional option for StartContainer.
type ContainerOption func(*containerOptions)

type containerOptions struct {
	image          string
	version        string
	username       string
	password       string
	env            map[string]string
	startupTimeout time.Duration
	logConsumer    testcontainers.LogConsumer
}

// WithImage sets the image repository.
func WithImage(image string) ContainerOption {
	return func(o *containerOptions) { o.image = image }
}

// WithVersion pins the image tag.
func WithVersion(version string) ContainerOption {
	return func(o *containerOptions) { o.version = version }
}

// WithCredentials injects the username and password the cluster starts
// with; the same credentials authenticate the readiness wait.
func WithCredentials(username, password string) ContainerOption {
	return func(o *containerOptions) {
		o.username = username
		o.password = password
	}
}

// WithEnv sets additional container environment variables.
func WithEnv(env map[string]string) ContainerOption {
	return func(o *containerOptions) {
		for k, v := range env {
			o.env[k] = v
		}
	}
}

// WithStartupTimeout bounds how long the container may take to become
// reachable.
func WithStartupTimeout(timeout time.Duration) ContainerOption {
	return func(o *containerOptions) { o.startupTimeout = timeout }
}

// WithLogConsumer attaches a consumer for container logs.
func WithLogConsumer(consumer testcontainers.LogConsumer) ContainerOption {
	return func(o *containerOptions) { o.logConsumer = consumer }
}

// StartContainer starts a single-node search cluster container and waits
// until its HTTP port answers with the configured credentials.
func StartContainer(ctx context.Context, opts ...ContainerOption) (*Container, error) {
	options := &containerOptions{
		image:          DefaultImageRepository,
		version:        DefaultImageVersion,
		username:       "elastic",
		password:       "changeme",
		env:            make(map[string]string),
		startupTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(options)
	}

	env := map[string]string{
		"discovery.type":         "single-node",
		"xpack.security.enabled": "true",
		"ELASTIC_PASSWORD":       options.password,
		"ES_JAVA_OPTS":           "-Xms1g -Xmx1g",
	}
	for k, v := range options.env {
		env[k] = v
	}

	req := testcontainers.ContainerRequest{
		Image:        options.image + ":" + options.version,
		ExposedPorts: []string{httpPort},
		Env:          env,
		WaitingFor: wait.ForHTTP("/").
			WithPort(nat.Port(httpPort)).
			WithBasicAuth(options.username, options.password).
			WithStartupTimeout(options.startupTimeout),
	}
	if options.logConsumer != nil {
		req.LogConsumerCfg = &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{options.logConsumer},
		}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start cluster container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(httpPort))
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &Container{
		container: container,
		host:      host,
		port:      mapped.Int(),
	}, nil
}

// HTTPHost returns the host the mapped cluster port is reachable on.
func (c *Container) HTTPHost() string { return c.host }

// HTTPPort returns the mapped cluster port.
func (c *Container) HTTPPort() int { return c.port }

// Endpoint builds the endpoint a client should use to reach the container.
func (c *Container) Endpoint(username, password string) endpoint.Endpoint {
	return endpoint.Endpoint{
		Host:     c.host,
		Port:     c.port,
		Scheme:   endpoint.SchemeHTTP,
		Username: username,
		Password: password,
	}
}

// Terminate stops and removes the container.
func (c *Container) Terminate(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	return c.container.Terminate(ctx)
}
