// Command zkqueue-demo sends "hello world" through a queue: a producer
// enqueues it, a consumer prints it, and both shut down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/coord/memory"
	"zkqueue-go/internal/coord/zookeeper"
	"zkqueue-go/internal/queue"
)

func main() {
	servers := flag.String("zk", "", "comma-separated ZooKeeper servers; empty runs in-process")
	path := flag.String("path", "/demo/hello", "queue root path")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(*servers, *path, *timeout, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(servers, path string, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	newClient := clientFactory(servers, logger)

	errs := make(chan error, 2)
	listener := func(role string) queue.Listener {
		return queue.Listener{
			OnConnect: func() { logger.Info("connected", "role", role) },
			OnError:   func(err error) { logger.Warn("queue error", "role", role, "error", err) },
			OnClose:   func() { logger.Info("closed", "role", role) },
		}
	}

	producerClient, err := newClient()
	if err != nil {
		return err
	}
	producer, err := queue.NewProducer(queue.Options{
		Path:     path,
		Client:   producerClient,
		Logger:   logger,
		Listener: listener("producer"),
	})
	if err != nil {
		return err
	}

	consumerClient, err := newClient()
	if err != nil {
		producer.End()
		return err
	}
	consumer, err := queue.NewConsumer(queue.Options{
		Path:     path,
		Client:   consumerClient,
		Logger:   logger,
		Listener: listener("consumer"),
	})
	if err != nil {
		producer.End()
		return err
	}

	go func() {
		if err := producer.WaitConnected(ctx); err != nil {
			errs <- fmt.Errorf("producer: %w", err)
			return
		}
		name, err := producer.Enqueue(ctx, "hello world")
		if err != nil {
			errs <- fmt.Errorf("enqueue: %w", err)
			return
		}
		logger.Info("enqueued", "item", name)
		producer.End()
		errs <- nil
	}()

	go func() {
		item, err := consumer.Next(ctx)
		if err != nil {
			errs <- fmt.Errorf("consume: %w", err)
			return
		}
		fmt.Println(item.String())
		consumer.Destroy()
		errs <- nil
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			producer.End()
			consumer.Destroy()
		}
	}

	for _, done := range []<-chan struct{}{producer.Done(), consumer.Done()} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("timed out waiting for close")
		}
	}
	return firstErr
}

func clientFactory(servers string, logger *slog.Logger) func() (coord.Client, error) {
	if servers == "" {
		srv := memory.NewServer()
		return func() (coord.Client, error) { return srv.NewClient(), nil }
	}

	return func() (coord.Client, error) {
		return zookeeper.New(zookeeper.Config{
			Servers:        strings.Split(servers, ","),
			SessionTimeout: queue.DefaultSessionTimeout,
			SpinDelay:      queue.DefaultSpinDelay,
			Retries:        queue.DefaultRetries,
			Logger:         logger,
		})
	}
}
