package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/crawlspace/testenv/cluster"
	"github.com/crawlspace/testenv/config"
	"github.com/crawlspace/testenv/endpoint"
)

type fakeClient struct {
	mu         sync.Mutex
	infoErr    error
	infoCount  int
	closeCount int
	endpoint   endpoint.Endpoint
}

func (f *fakeClient) Info(context.Context) (cluster.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCount++
	if f.infoErr != nil {
		return cluster.Info{}, f.infoErr
	}
	return cluster.Info{ClusterName: "it-cluster", Version: "8.14.3"}, nil
}

func (f *fakeClient) Negotiate(ctx context.Context) (cluster.Profile, error) {
	if _, err := f.Info(ctx); err != nil {
		return cluster.Profile{}, err
	}
	return cluster.Profile{MajorVersion: 8, TotalHitsAsObject: true, DefaultDocType: "_doc"}, nil
}

func (f *fakeClient) Search(context.Context, string, string) (cluster.SearchResult, error) {
	return cluster.SearchResult{}, nil
}

func (f *fakeClient) Refresh(context.Context, string) error { return nil }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeClient) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

type fakeContainer struct {
	mu         sync.Mutex
	terminated int
}

func (f *fakeContainer) HTTPHost() string { return "container-host" }
func (f *fakeContainer) HTTPPort() int    { return 32768 }

func (f *fakeContainer) Terminate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	return nil
}

func (f *fakeContainer) terminations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func connRefused() error {
	return fmt.Errorf("dial tcp 127.0.0.1:9200: connect: %w", syscall.ECONNREFUSED)
}

var _ = Describe("Provisioner", func() {
	var (
		cfg        *config.Config
		created    []*fakeClient
		factory    cluster.ClientFactory
		perHost    map[string]error
		container  *fakeContainer
		startCount int
		startErr   error
	)

	BeforeEach(func() {
		cfg = &config.Config{
			Cluster: config.ClusterConfig{
				Port:     9200,
				Scheme:   "http",
				Username: "elastic",
				Password: "changeme",
			},
			Container: config.ContainerConfig{
				Image:          "docker.example.com/search",
				Version:        "8.14.3",
				Teardown:       config.TeardownNever,
				StartupTimeout: time.Minute,
			},
			Rest: config.RestConfig{Port: 8080},
		}
		created = nil
		perHost = map[string]error{}
		container = &fakeContainer{}
		startCount = 0
		startErr = nil
		factory = func(ep endpoint.Endpoint) cluster.SearchClient {
			c := &fakeClient{endpoint: ep, infoErr: perHost[ep.Host]}
			created = append(created, c)
			return c
		}
	})

	newProvisioner := func() *cluster.Provisioner {
		return cluster.NewProvisioner(cfg,
			cluster.WithClientFactory(factory),
			cluster.WithContainerStarter(func(ctx context.Context, opts ...cluster.ContainerOption) (cluster.StartedContainer, error) {
				startCount++
				if startErr != nil {
					return nil, startErr
				}
				return container, nil
			}),
		)
	}

	Context("with an explicit reachable endpoint", func() {
		BeforeEach(func() {
			cfg.Cluster.Host = "search.internal"
		})

		It("never starts a container", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			Expect(startCount).To(BeZero())
			Expect(handle.Provisioned()).To(BeFalse())
		})

		It("negotiates the behavior profile once", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			Expect(handle.Profile().MajorVersion).To(Equal(8))
			Expect(handle.Profile().DefaultDocType).To(Equal("_doc"))
		})

		It("closes the probe client before returning", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			// First created client is the probe; it must be closed even
			// though acquisition succeeded through a second client.
			Expect(created[0].closes()).To(Equal(1))
		})
	})

	Context("with an explicit unreachable endpoint", func() {
		BeforeEach(func() {
			cfg.Cluster.Host = "127.0.0.1"
			cfg.Cluster.Port = 9400
			perHost["127.0.0.1"] = connRefused()
		})

		It("fails with a configuration error instead of provisioning", func() {
			_, err := newProvisioner().Acquire(context.Background())
			Expect(err).To(MatchError(endpoint.ErrConfiguration))
			Expect(startCount).To(BeZero())
		})

		It("closes the probe client on the failure path too", func() {
			_, _ = newProvisioner().Acquire(context.Background())
			Expect(created).To(HaveLen(1))
			Expect(created[0].closes()).To(Equal(1))
		})
	})

	Context("with no endpoint configured and nothing listening locally", func() {
		BeforeEach(func() {
			perHost["localhost"] = connRefused()
		})

		It("starts a container and returns a live handle", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			Expect(startCount).To(Equal(1))
			Expect(handle.Provisioned()).To(BeTrue())

			_, err = handle.Client().Info(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})

		It("connects to the container's mapped address", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			final := created[len(created)-1]
			Expect(final.endpoint.Host).To(Equal("container-host"))
			Expect(final.endpoint.Port).To(Equal(32768))
			Expect(final.endpoint.Username).To(Equal("elastic"))
		})

		It("surfaces container start failures as provisioning errors", func() {
			startErr = errors.New("image pull failed")
			_, err := newProvisioner().Acquire(context.Background())
			Expect(err).To(MatchError(cluster.ErrProvisioning))
		})
	})

	Context("with no endpoint configured and a local cluster running", func() {
		It("reuses the local cluster without starting a container", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			Expect(startCount).To(BeZero())
			final := created[len(created)-1]
			Expect(final.endpoint.Host).To(Equal("localhost"))
		})

		It("closes the temporary probe client whatever the outcome", func() {
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close(context.Background())

			Expect(created[0].closes()).To(Equal(1))
		})
	})

	Context("with no endpoint configured and an unrelated I/O failure", func() {
		BeforeEach(func() {
			perHost["localhost"] = errors.New("x509: certificate signed by unknown authority")
		})

		It("surfaces the failure instead of masking it as need-to-provision", func() {
			_, err := newProvisioner().Acquire(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("x509"))
			Expect(startCount).To(BeZero())
		})
	})

	Describe("Handle teardown", func() {
		acquireProvisioned := func() *cluster.Handle {
			perHost["localhost"] = connRefused()
			handle, err := newProvisioner().Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			return handle
		}

		It("leaves the container running under the never policy", func() {
			handle := acquireProvisioned()
			Expect(handle.Close(context.Background())).To(Succeed())
			Expect(container.terminations()).To(BeZero())
		})

		It("terminates the container under the always policy", func() {
			cfg.Container.Teardown = config.TeardownAlways
			handle := acquireProvisioned()
			Expect(handle.Close(context.Background())).To(Succeed())
			Expect(container.terminations()).To(Equal(1))
		})

		It("keeps the container after a failed run under on-success", func() {
			cfg.Container.Teardown = config.TeardownOnSuccess
			handle := acquireProvisioned()
			handle.MarkRunFailed()
			Expect(handle.Close(context.Background())).To(Succeed())
			Expect(container.terminations()).To(BeZero())
		})

		It("terminates the container after a clean run under on-success", func() {
			cfg.Container.Teardown = config.TeardownOnSuccess
			handle := acquireProvisioned()
			Expect(handle.Close(context.Background())).To(Succeed())
			Expect(container.terminations()).To(Equal(1))
		})

		It("is idempotent", func() {
			cfg.Container.Teardown = config.TeardownAlways
			handle := acquireProvisioned()
			Expect(handle.Close(context.Background())).To(Succeed())
			Expect(handle.Close(context.Background())).To(Succeed())

			Expect(container.terminations()).To(Equal(1))
			final := created[len(created)-1]
			Expect(final.closes()).To(Equal(1))
		})
	})
})
