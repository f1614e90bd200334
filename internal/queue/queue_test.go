package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/coord/memory"
	"zkqueue-go/internal/queue"
)

// recorder collects listener callbacks.
type recorder struct {
	connects atomic.Int32
	closes   atomic.Int32

	mu     sync.Mutex
	errors []error
}

func (r *recorder) listener() queue.Listener {
	return queue.Listener{
		OnConnect: func() { r.connects.Add(1) },
		OnClose:   func() { r.closes.Add(1) },
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, err)
		},
	}
}

func (r *recorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func waitConnected(w interface {
	WaitConnected(context.Context) error
}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ExpectWithOffset(1, w.WaitConnected(ctx)).To(Succeed())
}

func startProducer(srv *memory.Server, path string) *queue.Producer {
	p, err := queue.NewProducer(queue.Options{Path: path, Client: srv.NewClient()})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	DeferCleanup(p.End)
	waitConnected(p)
	return p
}

func startConsumer(opts queue.Options) *queue.Consumer {
	c, err := queue.NewConsumer(opts)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	DeferCleanup(c.Destroy)
	waitConnected(c)
	return c
}

func enqueue(p *queue.Producer, v any) string {
	name, err := p.Enqueue(context.Background(), v)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return name
}

func next(c *queue.Consumer, timeout time.Duration) (queue.Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Next(ctx)
}

func mustNext(c *queue.Consumer) queue.Item {
	item, err := next(c, 2*time.Second)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return item
}

var _ = Describe("Queue recipe", func() {
	var srv *memory.Server

	BeforeEach(func() {
		srv = memory.NewServer()
	})

	Describe("Scenarios", func() {
		It("A: delivers a single item and empties the root", func() {
			p := startProducer(srv, "/q1")
			enqueue(p, "hello world")

			c := startConsumer(queue.Options{Path: "/q1", Client: srv.NewClient()})
			item := mustNext(c)

			Expect(string(item.Payload)).To(Equal("hello world"))
			Expect(item.Name).To(Equal("queue-0000000000"))
			Eventually(func() []string { return srv.ChildNames("/q1") }).Should(BeEmpty())

			_, err := next(c, 100*time.Millisecond)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("B: delivers items written before the consumer connected in order", func() {
			p := startProducer(srv, "/q2")
			enqueue(p, "first")
			enqueue(p, "second")

			c := startConsumer(queue.Options{Path: "/q2", Client: srv.NewClient()})
			Expect(string(mustNext(c).Payload)).To(Equal("first"))
			Expect(string(mustNext(c).Payload)).To(Equal("second"))
		})

		It("C: two consumers share two items without duplicates", func() {
			p := startProducer(srv, "/q3")
			enqueue(p, "one")
			enqueue(p, "two")

			c1 := startConsumer(queue.Options{Path: "/q3", Client: srv.NewClient()})
			c2 := startConsumer(queue.Options{Path: "/q3", Client: srv.NewClient()})

			got := drain(2, c1, c2)
			Expect(got).To(ConsistOf("one", "two"))
			Expect(srv.ChildNames("/q3")).To(BeEmpty())
		})

		It("D: stores structured values as JSON", func() {
			p := startProducer(srv, "/q4")
			enqueue(p, struct {
				Kind  string `json:"kind"`
				Count int    `json:"count"`
			}{Kind: "job", Count: 3})

			c := startConsumer(queue.Options{Path: "/q4", Client: srv.NewClient()})
			Expect(string(mustNext(c).Payload)).To(Equal(`{"kind":"job","count":3}`))
		})

		It("E: a subscribed consumer receives items written later", func() {
			c := startConsumer(queue.Options{Path: "/q5", Client: srv.NewClient()})

			_, err := next(c, 100*time.Millisecond)
			Expect(err).To(MatchError(context.DeadlineExceeded))

			p := startProducer(srv, "/q5")
			enqueue(p, "late")

			Expect(string(mustNext(c).Payload)).To(Equal("late"))
			Expect(c.State()).To(Equal(queue.StateConnected))
		})
	})

	Describe("Ordering", func() {
		It("delivers items from several producers in sequence order", func() {
			p1 := startProducer(srv, "/fifo")
			p2 := startProducer(srv, "/fifo")
			for i := 0; i < 20; i++ {
				if i%2 == 0 {
					enqueue(p1, fmt.Sprintf("item-%d", i))
				} else {
					enqueue(p2, fmt.Sprintf("item-%d", i))
				}
			}

			c := startConsumer(queue.Options{Path: "/fifo", Client: srv.NewClient(), HighWaterMark: 4})
			var last uint64
			for i := 0; i < 20; i++ {
				item := mustNext(c)
				Expect(string(item.Payload)).To(Equal(fmt.Sprintf("item-%d", i)))
				if i > 0 {
					Expect(item.Seq).To(BeNumerically(">", last))
				}
				last = item.Seq
			}
		})

		It("delivers each item to exactly one of several racing consumers", func() {
			const total = 60
			p := startProducer(srv, "/race")
			want := make([]any, 0, total)
			for i := 0; i < total; i++ {
				payload := fmt.Sprintf("job-%d", i)
				enqueue(p, payload)
				want = append(want, payload)
			}

			consumers := make([]*queue.Consumer, 3)
			for i := range consumers {
				consumers[i] = startConsumer(queue.Options{Path: "/race", Client: srv.NewClient(), HighWaterMark: 2})
			}

			got := drain(total, consumers...)
			Expect(got).To(HaveLen(total))
			Expect(got).To(ConsistOf(want...))
			Expect(srv.ChildNames("/race")).To(BeEmpty())
		})
	})

	Describe("Root", func() {
		It("leaves an existing root and its children alone", func() {
			admin := srv.NewClient()
			Expect(admin.Connect()).To(Succeed())
			ctx := context.Background()
			_, err := admin.Create(ctx, "/existing", nil, coord.ModePersistent)
			Expect(err).NotTo(HaveOccurred())
			_, err = admin.Create(ctx, "/existing/queue-", []byte("kept"), coord.ModePersistentSequential)
			Expect(err).NotTo(HaveOccurred())

			rec := &recorder{}
			p, err := queue.NewProducer(queue.Options{Path: "/existing", Client: srv.NewClient(), Listener: rec.listener()})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.End)
			waitConnected(p)

			Expect(rec.errs()).To(BeEmpty())
			Expect(srv.ChildNames("/existing")).To(Equal([]string{"queue-0000000000"}))
		})

		It("creates missing ancestors of a nested root", func() {
			p := startProducer(srv, "/apps/billing/jobs")
			enqueue(p, "x")

			Expect(srv.Exists("/apps")).To(BeTrue())
			Expect(srv.Exists("/apps/billing")).To(BeTrue())
			Expect(srv.ChildNames("/apps/billing/jobs")).To(HaveLen(1))
		})

		It("reports a root creation failure and never connects", func() {
			client := srv.NewClient()
			client.FailNext(memory.OpCreate, errors.New("permission denied"))

			rec := &recorder{}
			p, err := queue.NewProducer(queue.Options{Path: "/denied", Client: client, Listener: rec.listener()})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.End)

			Eventually(rec.errs).Should(HaveLen(1))
			Expect(rec.errs()[0]).To(MatchError(ContainSubstring("permission denied")))
			Expect(p.State()).To(Equal(queue.StateConnectedUnensured))
			Expect(rec.connects.Load()).To(BeZero())

			_, err = p.Enqueue(context.Background(), "x")
			Expect(err).To(MatchError(queue.ErrNotConnected))
		})
	})

	Describe("Flow control", func() {
		It("does not claim anything before the first pull", func() {
			p := startProducer(srv, "/lazy")
			enqueue(p, "waiting")

			c := startConsumer(queue.Options{Path: "/lazy", Client: srv.NewClient()})
			Consistently(func() []string { return srv.ChildNames("/lazy") }, 200*time.Millisecond).Should(HaveLen(1))
			Expect(c.Paused()).To(BeTrue())

			Expect(string(mustNext(c).Payload)).To(Equal("waiting"))
		})

		It("claims nothing while paused and continues after resume", func() {
			var deletes atomic.Int32
			var counting atomic.Bool
			srv.SetHook(func(op memory.Op, path string) {
				if op == memory.OpDelete && counting.Load() {
					deletes.Add(1)
				}
			})

			p := startProducer(srv, "/paused")
			enqueue(p, "before")

			c := startConsumer(queue.Options{Path: "/paused", Client: srv.NewClient()})
			Expect(string(mustNext(c).Payload)).To(Equal("before"))

			c.Pause()
			counting.Store(true)
			for i := 0; i < 3; i++ {
				enqueue(p, fmt.Sprintf("during-%d", i))
			}

			Consistently(deletes.Load, 300*time.Millisecond).Should(BeZero())
			Expect(srv.ChildNames("/paused")).To(HaveLen(3))
			_, err := next(c, 100*time.Millisecond)
			Expect(err).To(MatchError(context.DeadlineExceeded))

			c.Resume()
			for i := 0; i < 3; i++ {
				Expect(string(mustNext(c).Payload)).To(Equal(fmt.Sprintf("during-%d", i)))
			}
		})

		It("stops claiming when the buffer reaches the high water mark", func() {
			p := startProducer(srv, "/hwm")
			for i := 0; i < 5; i++ {
				enqueue(p, fmt.Sprintf("%d", i))
			}

			c := startConsumer(queue.Options{Path: "/hwm", Client: srv.NewClient(), HighWaterMark: 2})
			Expect(string(mustNext(c).Payload)).To(Equal("0"))

			Eventually(c.Paused).Should(BeTrue())
			Consistently(c.Buffered, 200*time.Millisecond).Should(BeNumerically("<=", 2))
			Expect(len(srv.ChildNames("/hwm"))).To(BeNumerically(">=", 2))

			for i := 1; i < 5; i++ {
				Expect(string(mustNext(c).Payload)).To(Equal(fmt.Sprintf("%d", i)))
			}
		})

		It("leaves an item in the queue when paused between read and delete", func() {
			var c *queue.Consumer
			var once sync.Once
			srv.SetHook(func(op memory.Op, path string) {
				if op == memory.OpGet {
					once.Do(func() { c.Pause() })
				}
			})

			p := startProducer(srv, "/midread")
			enqueue(p, "kept")

			var err error
			c, err = queue.NewConsumer(queue.Options{Path: "/midread", Client: srv.NewClient()})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Destroy)
			waitConnected(c)

			_, err = next(c, 200*time.Millisecond)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(srv.ChildNames("/midread")).To(HaveLen(1))

			srv.SetHook(nil)
			c.Resume()
			Expect(string(mustNext(c).Payload)).To(Equal("kept"))
		})
	})

	Describe("Destroy", func() {
		It("leaves items claimable by others when destroyed mid-claim", func() {
			var c1 *queue.Consumer
			var once sync.Once
			srv.SetHook(func(op memory.Op, path string) {
				if op == memory.OpGet {
					once.Do(func() { c1.Destroy() })
				}
			})

			p := startProducer(srv, "/destroy")
			for i := 0; i < 3; i++ {
				enqueue(p, fmt.Sprintf("d-%d", i))
			}

			rec := &recorder{}
			var err error
			c1, err = queue.NewConsumer(queue.Options{Path: "/destroy", Client: srv.NewClient(), Listener: rec.listener()})
			Expect(err).NotTo(HaveOccurred())
			waitConnected(c1)

			_, err = next(c1, 2*time.Second)
			Expect(err).To(MatchError(queue.ErrClosed))
			Eventually(c1.Done()).Should(BeClosed())
			Expect(rec.closes.Load()).To(Equal(int32(1)))
			Expect(rec.errs()).To(BeEmpty())
			Expect(srv.ChildNames("/destroy")).To(HaveLen(3))

			srv.SetHook(nil)
			c2 := startConsumer(queue.Options{Path: "/destroy", Client: srv.NewClient()})
			for i := 0; i < 3; i++ {
				Expect(string(mustNext(c2).Payload)).To(Equal(fmt.Sprintf("d-%d", i)))
			}
		})

		It("fires close only after the disconnect and rejects further work", func() {
			rec := &recorder{}
			p, err := queue.NewProducer(queue.Options{Path: "/end", Client: srv.NewClient(), Listener: rec.listener()})
			Expect(err).NotTo(HaveOccurred())
			waitConnected(p)

			p.End()
			_, err = p.Enqueue(context.Background(), "late")
			Expect(err).To(MatchError(queue.ErrClosed))

			Eventually(p.Done()).Should(BeClosed())
			Expect(rec.closes.Load()).To(Equal(int32(1)))
			Expect(p.State()).To(Equal(queue.StateClosed))

			p.End()
			Consistently(rec.closes.Load, 100*time.Millisecond).Should(Equal(int32(1)))
		})
	})

	Describe("Errors", func() {
		It("absorbs contention during a claim", func() {
			p := startProducer(srv, "/contended")
			enqueue(p, "survivor")

			client := srv.NewClient()
			client.FailNext(memory.OpGet, coord.ErrNoNode)
			client.FailNext(memory.OpDelete, coord.ErrBadVersion)

			rec := &recorder{}
			c := startConsumer(queue.Options{Path: "/contended", Client: client, Listener: rec.listener()})

			Expect(string(mustNext(c).Payload)).To(Equal("survivor"))
			Expect(rec.errs()).To(BeEmpty())
		})

		It("surfaces other claim failures and recovers on the next notification", func() {
			p := startProducer(srv, "/broken")
			enqueue(p, "first")

			client := srv.NewClient()
			client.FailNext(memory.OpGet, errors.New("disk on fire"))

			rec := &recorder{}
			c := startConsumer(queue.Options{Path: "/broken", Client: client, Listener: rec.listener()})

			_, err := next(c, 200*time.Millisecond)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(rec.errs()).To(HaveLen(1))
			Expect(rec.errs()[0]).To(MatchError(ContainSubstring("disk on fire")))
			Expect(srv.ChildNames("/broken")).To(HaveLen(1))

			enqueue(p, "second")
			Expect(string(mustNext(c).Payload)).To(Equal("first"))
			Expect(string(mustNext(c).Payload)).To(Equal("second"))
		})

		It("passes session errors through without changing state", func() {
			client := srv.NewClient()
			rec := &recorder{}
			c := startConsumer(queue.Options{Path: "/session", Client: client, Listener: rec.listener()})

			client.EmitError(errors.New("auth failed"))
			Eventually(rec.errs).Should(HaveLen(1))
			Expect(c.State()).To(Equal(queue.StateConnected))
		})

		It("fails fast while disconnected", func() {
			client := srv.NewClient()
			p, err := queue.NewProducer(queue.Options{Path: "/offline", Client: client})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.End)
			waitConnected(p)

			client.Disconnect()
			Eventually(p.Connected).Should(BeFalse())

			_, err = p.Enqueue(context.Background(), "x")
			Expect(err).To(MatchError(queue.ErrNotConnected))
			Expect(srv.ChildNames("/offline")).To(BeEmpty())
		})
	})

	Describe("Reconnect", func() {
		It("resumes the subscription without closing or recreating the root", func() {
			var creates atomic.Int32
			srv.SetHook(func(op memory.Op, path string) {
				if op == memory.OpCreate && path == "/flaky" {
					creates.Add(1)
				}
			})

			client := srv.NewClient()
			rec := &recorder{}
			c := startConsumer(queue.Options{Path: "/flaky", Client: client, Listener: rec.listener()})
			_, err := next(c, 50*time.Millisecond)
			Expect(err).To(MatchError(context.DeadlineExceeded))

			client.Disconnect()
			Eventually(c.State).Should(Equal(queue.StateDisconnected))

			p := startProducer(srv, "/flaky")
			enqueue(p, "while-down")
			Consistently(c.Buffered, 100*time.Millisecond).Should(BeZero())

			client.Reconnect()
			Expect(string(mustNext(c).Payload)).To(Equal("while-down"))

			Expect(rec.connects.Load()).To(Equal(int32(2)))
			Expect(rec.closes.Load()).To(BeZero())
			// One create from the consumer, one from the producer.
			Expect(creates.Load()).To(Equal(int32(2)))
		})
	})
})

// drain pulls from all consumers concurrently until n items arrived in total
// and returns the payloads.
func drain(n int, consumers ...*queue.Consumer) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= n
	}

	for _, c := range consumers {
		wg.Add(1)
		go func(c *queue.Consumer) {
			defer GinkgoRecover()
			defer wg.Done()
			for !done() && ctx.Err() == nil {
				pullCtx, pullCancel := context.WithTimeout(ctx, 50*time.Millisecond)
				item, err := c.Next(pullCtx)
				pullCancel()
				if err != nil {
					continue
				}
				mu.Lock()
				got = append(got, string(item.Payload))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return got
}
