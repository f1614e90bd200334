package relay

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"zkqueue-go/internal/queue"
)

func TestLogSink_Deliver(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	if err := sink.Deliver(context.Background(), queue.Item{Name: "queue-0000000003", Seq: 3, Payload: []byte("hello world")}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"item=queue-0000000003", "seq=3", `payload="hello world"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
	if sink.Name() != "log" {
		t.Errorf("Name() = %q", sink.Name())
	}
}
