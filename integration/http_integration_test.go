package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"zkqueue-go/internal/api"
	"zkqueue-go/internal/config"
	"zkqueue-go/internal/coord/memory"
	"zkqueue-go/internal/ingest"
	"zkqueue-go/internal/processor"
	"zkqueue-go/internal/queue"
	"zkqueue-go/internal/relay"
)

const queuePath = "/integration/jobs"

// service is one wired instance: a producer behind POST /v1/items and a
// consumer behind GET /v1/items/next.
type service struct {
	server   *api.Server
	producer *queue.Producer
	consumer *queue.Consumer
}

func startService(srv *memory.Server) *service {
	logger := slog.New(slog.DiscardHandler)

	producer, err := queue.NewProducer(queue.Options{Path: queuePath, Client: srv.NewClient(), Logger: logger})
	Expect(err).NotTo(HaveOccurred())
	consumer, err := queue.NewConsumer(queue.Options{Path: queuePath, Client: srv.NewClient(), Logger: logger})
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(producer.WaitConnected(ctx)).To(Succeed())
	Expect(consumer.WaitConnected(ctx)).To(Succeed())

	server := api.NewServer(api.ServerDeps{
		Config:      &config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Logger:      logger,
		ItemHandler: api.NewItemHandler(ingest.NewService(producer, logger), consumer, logger),
		Components: map[string]api.StatusReporter{
			"producer": producer,
			"consumer": consumer,
		},
	})

	return &service{server: server, producer: producer, consumer: consumer}
}

func (s *service) stop() {
	s.producer.End()
	s.consumer.Destroy()
	Eventually(s.producer.Done()).Should(BeClosed())
	Eventually(s.consumer.Done()).Should(BeClosed())
}

// doRequest performs an in-process HTTP request against the service.
func (s *service) doRequest(method, path string, body []byte) *http.Response {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	resp, err := s.server.App().Test(req, 10000)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// parseResponse parses JSON response into target.
func parseResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

func (s *service) enqueue(payload string) string {
	resp := s.doRequest(http.MethodPost, "/v1/items", []byte(payload))
	Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

	var result api.APIResponse
	Expect(parseResponse(resp, &result)).To(Succeed())
	data, ok := result.Data.(map[string]interface{})
	Expect(ok).To(BeTrue())
	return data["item"].(string)
}

// pull returns the payload of the next item, or "" on 204.
func (s *service) pull(wait string) string {
	resp := s.doRequest(http.MethodGet, "/v1/items/next?wait="+wait, nil)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return ""
	}
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

var _ = Describe("HTTP Integration Tests", Ordered, func() {
	var (
		srv *memory.Server
		svc *service
	)

	BeforeAll(func() {
		srv = memory.NewServer()
		svc = startService(srv)
	})

	AfterAll(func() {
		svc.stop()
	})

	Describe("Health Check", func() {
		It("should return healthy status once both roles are connected", func() {
			resp := svc.doRequest(http.MethodGet, "/healthz", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result api.APIResponse
			Expect(parseResponse(resp, &result)).To(Succeed())
			Expect(result.Data).To(HaveKeyWithValue("producer", "connected"))
			Expect(result.Data).To(HaveKeyWithValue("consumer", "connected"))
		})

		It("should have created the queue root and its ancestors", func() {
			Expect(srv.Exists("/integration")).To(BeTrue())
			Expect(srv.Exists(queuePath)).To(BeTrue())
		})
	})

	Describe("Items API", func() {
		It("should store items as sequential children", func() {
			Expect(svc.enqueue(`{"step":1}`)).To(Equal("queue-0000000000"))
			Expect(svc.enqueue(`{"step":2}`)).To(Equal("queue-0000000001"))
			Expect(srv.ChildNames(queuePath)).To(ConsistOf("queue-0000000000", "queue-0000000001"))
		})

		It("should hand items out in FIFO order and remove them", func() {
			Expect(svc.pull("2s")).To(Equal(`{"step":1}`))
			Expect(svc.pull("2s")).To(Equal(`{"step":2}`))
			Eventually(func() []string { return srv.ChildNames(queuePath) }).Should(BeEmpty())
		})

		It("should return 204 when nothing arrives in time", func() {
			Expect(svc.pull("50ms")).To(BeEmpty())
		})

		It("should reject empty bodies", func() {
			resp := svc.doRequest(http.MethodPost, "/v1/items", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Competing consumers", func() {
		It("should deliver every item exactly once across services", func() {
			other := startService(srv)
			defer other.stop()

			const total = 40
			for i := 0; i < total; i++ {
				svc.enqueue(fmt.Sprintf("item-%02d", i))
			}

			var (
				mu   sync.Mutex
				seen = map[string]int{}
				wg   sync.WaitGroup
			)
			for _, s := range []*service{svc, other} {
				wg.Add(1)
				go func(s *service) {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						p := s.pull("200ms")
						if p == "" {
							return
						}
						mu.Lock()
						seen[p]++
						mu.Unlock()
					}
				}(s)
			}
			wg.Wait()

			Expect(seen).To(HaveLen(total))
			for payload, n := range seen {
				Expect(n).To(Equal(1), "payload %s delivered %d times", payload, n)
			}
			Expect(srv.ChildNames(queuePath)).To(BeEmpty())
		})
	})
})

var _ = Describe("Relay processor", func() {
	It("should drain the queue into the log sink", func() {
		srv := memory.NewServer()
		svc := startService(srv)

		var buf syncBuffer
		sink := relay.NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
		proc := processor.NewService(svc.consumer, sink, slog.New(slog.DiscardHandler))

		done := make(chan error, 1)
		go func() { done <- proc.Start(context.Background()) }()

		svc.enqueue("hello world")
		Eventually(buf.String).Should(ContainSubstring(`payload="hello world"`))

		Expect(proc.Stop()).To(Succeed())
		Eventually(done).Should(Receive(BeNil()))
		svc.stop()
	})
})

// syncBuffer is a bytes.Buffer safe for a logger and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
