//go:build e2e

package e2e

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/imamik/converge/internal/apply"
	"github.com/imamik/converge/internal/graph"
	"github.com/imamik/converge/internal/lock"
	"github.com/imamik/converge/internal/plan"
	"github.com/imamik/converge/internal/provider"
	"github.com/imamik/converge/internal/state"
)

// harness wires a full reconcile stack over in-memory backends.
type harness struct {
	store *state.MemoryStore
	locks *lock.MemoryManager
	mock  *provider.Mock
	reg   *provider.Registry
}

func newHarness(mockOpts ...provider.MockOption) *harness {
	h := &harness{
		store: state.NewMemoryStore(),
		locks: lock.NewMemoryManager(),
		mock:  provider.NewMock(mockOpts...),
		reg:   provider.NewRegistry(),
	}
	Expect(h.reg.Register("res", h.mock)).To(Succeed())
	return h
}

func (h *harness) plan(ctx context.Context, g *graph.Graph) *plan.Plan {
	doc, err := h.store.Read(ctx)
	Expect(err).NotTo(HaveOccurred())
	p, err := plan.Compute(g, doc, h.reg)
	Expect(err).NotTo(HaveOccurred())
	return p
}

func (h *harness) apply(ctx context.Context, g *graph.Graph, p *plan.Plan) *apply.Report {
	engine := apply.New(h.store, h.locks, h.reg, apply.WithConcurrency(2))
	rep, err := engine.Apply(ctx, g, p)
	Expect(err).NotTo(HaveOccurred())
	return rep
}

func spec(name string, attrs map[string]any, deps ...string) graph.ResourceSpec {
	s := graph.ResourceSpec{
		Addr:       graph.Addr{Kind: "res", Name: name},
		Attributes: attrs,
	}
	for _, dep := range deps {
		s.DependsOn = append(s.DependsOn, graph.Addr{Kind: "res", Name: dep})
	}
	return s
}

var _ = Describe("reconcile lifecycle", func() {
	var (
		ctx context.Context
		h   *harness
		g   *graph.Graph
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()

		var err error
		g, err = graph.Build([]graph.ResourceSpec{
			spec("net", map[string]any{"name": "net", "cidr": "10.0.0.0/16"}),
			spec("srv", map[string]any{"name": "srv", "network": "${res.net.id}"}, "net"),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates everything on first apply and settles to a noop", func() {
		p := h.plan(ctx, g)
		Expect(p.HasChanges()).To(BeTrue())
		Expect(p.Counts()[plan.ActionCreate]).To(Equal(2))

		rep := h.apply(ctx, g, p)
		Expect(rep.Err()).NotTo(HaveOccurred())
		Expect(rep.Counts()[apply.OutcomeApplied]).To(Equal(2))
		Expect(h.mock.Len()).To(Equal(2))

		doc, err := h.store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Serial).To(BeEquivalentTo(2))

		srv := doc.Resources["res.srv"]
		Expect(srv).NotTo(BeNil())
		Expect(srv.Attributes["network"]).To(Equal("mock-1"), "reference should resolve to the applied network id")

		second := h.plan(ctx, g)
		Expect(second.HasChanges()).To(BeFalse())

		rep = h.apply(ctx, g, second)
		Expect(rep.Counts()[apply.OutcomeUnchanged]).To(Equal(2))
	})

	It("isolates a failure to its dependent subtree", func() {
		var err error
		g, err = graph.Build([]graph.ResourceSpec{
			spec("a", map[string]any{"name": "a"}),
			spec("b", map[string]any{"name": "b"}, "a"),
			spec("c", map[string]any{"name": "c"}, "b"),
			spec("d", map[string]any{"name": "d"}, "a"),
		})
		Expect(err).NotTo(HaveOccurred())

		h.mock.FailWith("b", "create", -1, provider.ClassPermanent)

		rep := h.apply(ctx, g, h.plan(ctx, g))
		Expect(rep.Err()).To(HaveOccurred())
		Expect(rep.Results[graph.Addr{Kind: "res", Name: "a"}].Outcome).To(Equal(apply.OutcomeApplied))
		Expect(rep.Results[graph.Addr{Kind: "res", Name: "d"}].Outcome).To(Equal(apply.OutcomeApplied))
		Expect(rep.Results[graph.Addr{Kind: "res", Name: "b"}].Outcome).To(Equal(apply.OutcomeFailed))
		Expect(rep.Results[graph.Addr{Kind: "res", Name: "c"}].Outcome).To(Equal(apply.OutcomeSkipped))

		doc, err := h.store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Resources["res.b"].Status).To(Equal(state.StatusTainted))

		By("retrying after the fault clears")
		h.mock.FailWith("b", "create", 0, provider.ClassPermanent)

		retry := h.plan(ctx, g)
		Expect(retry.HasChanges()).To(BeTrue())

		rep = h.apply(ctx, g, retry)
		Expect(rep.Err()).NotTo(HaveOccurred())

		final := h.plan(ctx, g)
		Expect(final.HasChanges()).To(BeFalse())
	})

	It("destroys everything in reverse dependency order", func() {
		rep := h.apply(ctx, g, h.plan(ctx, g))
		Expect(rep.Err()).NotTo(HaveOccurred())

		doc, err := h.store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		dp, err := plan.DestroyPlan(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(dp.Changes).To(HaveLen(2))
		Expect(dp.Changes[0].Addr.Name).To(Equal("srv"), "dependent deletes first")
		Expect(dp.Changes[1].Addr.Name).To(Equal("net"))

		empty, err := graph.Build(nil)
		Expect(err).NotTo(HaveOccurred())
		rep = h.apply(ctx, empty, dp)
		Expect(rep.Err()).NotTo(HaveOccurred())
		Expect(h.mock.Len()).To(BeZero())

		doc, err = h.store.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Resources).To(BeEmpty())
	})

	It("rejects a plan computed against a stale serial", func() {
		p := h.plan(ctx, g)

		rep := h.apply(ctx, g, h.plan(ctx, g))
		Expect(rep.Err()).NotTo(HaveOccurred())

		engine := apply.New(h.store, h.locks, h.reg)
		_, err := engine.Apply(ctx, g, p)
		var stale *apply.StalePlanError
		Expect(err).To(HaveOccurred())
		Expect(errors.As(err, &stale)).To(BeTrue())
	})
})
