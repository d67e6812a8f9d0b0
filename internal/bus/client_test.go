package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, testLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishTranscriptSubjects(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	partial, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe partial: %v", err)
	}
	final, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe final: %v", err)
	}
	client.Conn().Flush()

	now := time.Now().UTC()
	if err := client.PublishTranscript(context.Background(), stt.RecognizedText{Text: "hello", SessionID: "s1", Timestamp: now}); err != nil {
		t.Fatalf("publish partial: %v", err)
	}
	if err := client.PublishTranscript(context.Background(), stt.RecognizedText{Text: "bye", SessionID: "s1", Timestamp: now, IsFinal: true}); err != nil {
		t.Fatalf("publish final: %v", err)
	}

	assertTranscript(t, partial, "hello", false)
	assertTranscript(t, final, "bye", true)
}

func assertTranscript(t *testing.T, sub *nats.Subscription, text string, isFinal bool) {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next message on %s: %v", sub.Subject, err)
	}
	var got protocol.Transcript
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != text || got.Final != isFinal || got.SessionID != "s1" {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestPublishStatus(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync(protocol.SubjectSessionStatus)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	client.Conn().Flush()

	if err := client.PublishStatus(context.Background(), protocol.SessionStatus{SessionID: "s1", State: protocol.StateStarted}); err != nil {
		t.Fatalf("publish status: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next message: %v", err)
	}
	var got protocol.SessionStatus
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != protocol.StateStarted || got.Timestamp.IsZero() {
		t.Fatalf("unexpected status %+v", got)
	}
}
