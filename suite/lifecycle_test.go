package suite_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/crawlspace/testenv/config"
	"github.com/crawlspace/testenv/convergence"
	"github.com/crawlspace/testenv/suite"
)

// fakeCluster is an httptest stand-in for a search cluster: it answers the
// liveness probe and reports a hit count that grows by one per search.
type fakeCluster struct {
	server   *httptest.Server
	searches atomic.Int64
	infos    atomic.Int64
}

func newFakeCluster() *fakeCluster {
	f := &fakeCluster{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			f.infos.Add(1)
			w.Write([]byte(`{"cluster_name":"it-cluster","version":{"number":"8.14.3"}}`))
			return
		}
		hits := f.searches.Add(1)
		fmt.Fprintf(w, `{"hits":{"total":{"value":%d,"relation":"eq"},"hits":[]}}`, hits)
	}))
	return f
}

func (f *fakeCluster) hostPort() (string, int) {
	u, err := url.Parse(f.server.URL)
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(u.Port())
	Expect(err).NotTo(HaveOccurred())
	return u.Hostname(), port
}

var _ = Describe("Env", func() {
	var (
		fake        *fakeCluster
		cfg         *config.Config
		fixturesDir string
		env         *suite.Env
	)

	BeforeEach(func() {
		fake = newFakeCluster()
		DeferCleanup(fake.server.Close)

		fixturesDir = GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(fixturesDir, "common"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(fixturesDir, "common", "sample.txt"), []byte("sample"), 0o644)).To(Succeed())

		host, port := fake.hostPort()
		cfg = &config.Config{
			Cluster: config.ClusterConfig{
				Host:     host,
				Port:     port,
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
			Staging: config.StagingConfig{
				FixturesDir: fixturesDir,
				RootDir:     GinkgoT().TempDir(),
			},
		}

		var err error
		env, err = suite.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { env.Teardown(context.Background()) })
	})

	Describe("Setup", func() {
		It("walks the lifecycle to rest-client-ready", func() {
			Expect(env.State()).To(Equal(suite.StateInit))
			Expect(env.Setup(context.Background())).To(Succeed())
			Expect(env.State()).To(Equal(suite.StateRestClientReady))

			Expect(env.Cluster()).NotTo(BeNil())
			Expect(env.Cluster().Profile().MajorVersion).To(Equal(8))
			Expect(env.Rest()).NotTo(BeNil())
		})

		It("populates the metadata directory before any test runs", func() {
			Expect(env.Setup(context.Background())).To(Succeed())
			entries, err := os.ReadDir(env.MetadataDir())
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).NotTo(BeEmpty())
		})

		It("is idempotent", func() {
			Expect(env.Setup(context.Background())).To(Succeed())
			probes := fake.infos.Load()

			Expect(env.Setup(context.Background())).To(Succeed())
			Expect(fake.infos.Load()).To(Equal(probes))
		})
	})

	Describe("BeginTest", func() {
		It("refuses to run before setup", func() {
			_, err := env.BeginTest("test_early")
			Expect(err).To(HaveOccurred())
		})

		It("stages a workspace per test and repeats", func() {
			Expect(env.Setup(context.Background())).To(Succeed())

			first, err := env.BeginTest("test_one")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Dir).To(BeADirectory())
			Expect(filepath.Join(first.Dir, "sample.txt")).To(BeAnExistingFile())
			Expect(env.State()).To(Equal(suite.StateRunning))

			second, err := env.BeginTest("test_two")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Dir).NotTo(Equal(first.Dir))
		})
	})

	Describe("AwaitHits", func() {
		BeforeEach(func() {
			Expect(env.Setup(context.Background())).To(Succeed())
		})

		It("converges once the expected count is visible", func() {
			ws, err := env.BeginTest("test_convergence")
			Expect(err).NotTo(HaveOccurred())

			expected := int64(3)
			outcome, result := env.AwaitHits(context.Background(), "docs_index", "", &expected, 10*time.Second, ws)
			Expect(outcome.Succeeded).To(BeTrue())
			Expect(outcome.LastValue).To(Equal(int64(3)))
			Expect(result.TotalHits).To(Equal(int64(3)))
		})

		It("treats a nil expectation as at-least-one", func() {
			ws, err := env.BeginTest("test_convergence_any")
			Expect(err).NotTo(HaveOccurred())

			outcome, _ := env.AwaitHits(context.Background(), "docs_index", "", nil, 10*time.Second, ws)
			Expect(outcome.Succeeded).To(BeTrue())
			Expect(outcome.LastValue).To(BeNumerically(">", 0))
		})
	})

	Describe("Teardown", func() {
		It("is idempotent and terminal", func() {
			Expect(env.Setup(context.Background())).To(Succeed())

			env.Teardown(context.Background())
			Expect(env.State()).To(Equal(suite.StateTornDown))
			env.Teardown(context.Background())
			Expect(env.State()).To(Equal(suite.StateTornDown))

			_, err := env.BeginTest("test_after_teardown")
			Expect(err).To(HaveOccurred())
		})

		It("tolerates teardown of a partially set up environment", func() {
			// No Setup at all; close paths must not assume live clients.
			env.Teardown(context.Background())
			Expect(env.State()).To(Equal(suite.StateTornDown))
		})
	})

	Describe("CrawlerName", func() {
		It("prefixes and truncates at the first space", func() {
			name := env.CrawlerName("LifecycleIT", "test_ignore_folders param=1")
			Expect(name).To(Equal("crawlspace_LifecycleIT_test_ignore_folders"))
		})
	})

	Describe("WithPoller", func() {
		It("uses the injected poller", func() {
			fastEnv, err := suite.New(cfg, suite.WithPoller(convergence.New(
				convergence.WithInterval(time.Millisecond),
				convergence.WithMaxInterval(time.Millisecond),
			)))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { fastEnv.Teardown(context.Background()) })
			Expect(fastEnv.Setup(context.Background())).To(Succeed())

			ws, err := fastEnv.BeginTest("test_fast_poll")
			Expect(err).NotTo(HaveOccurred())

			missing := int64(1_000_000)
			outcome, _ := fastEnv.AwaitHits(context.Background(), "docs_index", "", &missing, 30*time.Millisecond, ws)
			Expect(outcome.Succeeded).To(BeFalse())
			Expect(outcome.Elapsed).To(BeNumerically(">=", 30*time.Millisecond))
		})
	})
})
