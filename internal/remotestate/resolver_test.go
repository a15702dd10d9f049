package remotestate_test

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/envpush/internal/cache"
	"github.com/rancher/envpush/internal/platform"
	"github.com/rancher/envpush/internal/platform/platformtest"
	"github.com/rancher/envpush/internal/remotestate"
)

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		client   *platformtest.Client
		store    *cache.Store
		clock    *clockwork.FakeClock
		project  platform.Project
		resolver *remotestate.Resolver
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = platformtest.NewClient()
		clock = clockwork.NewFakeClock()
		dir, err := os.MkdirTemp("", "envpush-cache-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		store = cache.NewStore(dir, 10*time.Minute, clock, nil)
		project = platform.Project{ID: "abc123"}

		client.AddEnvironment("abc123", platform.Environment{ID: "master", Status: platform.StatusActive})
		client.AddEnvironment("abc123", platform.Environment{ID: "dev", Status: platform.StatusInactive})

		resolver = remotestate.New(client, store, nil)
	})

	It("serves repeated lookups from the in-memory cache", func() {
		env, err := resolver.GetEnvironment(ctx, project, "master")
		Expect(err).NotTo(HaveOccurred())
		Expect(env).NotTo(BeNil())
		Expect(env.IsActive()).To(BeTrue())

		_, err = resolver.GetEnvironment(ctx, project, "dev")
		Expect(err).NotTo(HaveOccurred())

		Expect(client.CallCount("ListEnvironments")).To(Equal(1))
	})

	It("shares snapshots with later resolvers through the persistent store", func() {
		_, err := resolver.ListEnvironments(ctx, project)
		Expect(err).NotTo(HaveOccurred())

		later := remotestate.New(client, store, nil)
		envs, err := later.ListEnvironments(ctx, project)
		Expect(err).NotTo(HaveOccurred())
		Expect(remotestate.EnvironmentIDs(envs)).To(Equal([]string{"dev", "master"}))
		Expect(client.CallCount("ListEnvironments")).To(Equal(1))
	})

	It("reports an unknown environment as absent", func() {
		env, err := resolver.GetEnvironment(ctx, project, "feature-x")
		Expect(err).NotTo(HaveOccurred())
		Expect(env).To(BeNil())
	})

	It("refreshes a cached list once before reporting absence", func() {
		_, err := resolver.ListEnvironments(ctx, project)
		Expect(err).NotTo(HaveOccurred())

		client.AddEnvironment("abc123", platform.Environment{ID: "feature-x", Status: platform.StatusActive})

		env, err := resolver.GetEnvironment(ctx, project, "feature-x")
		Expect(err).NotTo(HaveOccurred())
		Expect(env).NotTo(BeNil())
		Expect(env.ID).To(Equal("feature-x"))
		Expect(client.CallCount("ListEnvironments")).To(Equal(2))
	})

	It("never serves a stale snapshot after invalidation", func() {
		env, err := resolver.GetEnvironment(ctx, project, "dev")
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Status).To(Equal(platform.StatusInactive))

		client.AddEnvironment("abc123", platform.Environment{ID: "dev", Status: platform.StatusActive})
		Expect(resolver.InvalidateEnvironments("abc123")).To(Succeed())

		later := remotestate.New(client, store, nil)
		env, err = later.GetEnvironment(ctx, project, "dev")
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Status).To(Equal(platform.StatusActive))

		env, err = resolver.GetEnvironment(ctx, project, "dev")
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Status).To(Equal(platform.StatusActive))
	})

	It("expires persisted snapshots after the cache ttl", func() {
		_, err := resolver.ListEnvironments(ctx, project)
		Expect(err).NotTo(HaveOccurred())

		clock.Advance(11 * time.Minute)

		later := remotestate.New(client, store, nil)
		_, err = later.ListEnvironments(ctx, project)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.CallCount("ListEnvironments")).To(Equal(2))
	})

	It("propagates API failures", func() {
		client.Errors["ListEnvironments"] = errors.New("boom")

		_, err := resolver.GetEnvironment(ctx, project, "master")
		Expect(err).To(MatchError(ContainSubstring("boom")))
	})

	It("works without a persistent store", func() {
		bare := remotestate.New(client, nil, nil)

		env, err := bare.GetEnvironment(ctx, project, "master")
		Expect(err).NotTo(HaveOccurred())
		Expect(env).NotTo(BeNil())
		Expect(bare.InvalidateEnvironments("abc123")).To(Succeed())
		Expect(bare.ClearRelationships("abc-master@ssh.example.com")).To(Succeed())
	})

	It("clears relationship entries keyed by ssh url", func() {
		Expect(store.Set("relationships:abc-dev@ssh.example.com", map[string]string{"db": "mysql"})).To(Succeed())

		Expect(resolver.ClearRelationships("abc-dev@ssh.example.com")).To(Succeed())

		var out map[string]string
		Expect(store.Get("relationships:abc-dev@ssh.example.com", &out)).To(MatchError(cache.ErrMiss))
	})
})
