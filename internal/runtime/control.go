package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// subscribeControl answers start/stop/status requests on the control subject.
func subscribeControl(client *bus.Client, rec *Recorder, logger *slog.Logger) (*nats.Subscription, error) {
	log := logger.With(slog.String("component", "control"))
	return client.Conn().Subscribe(protocol.SubjectRecordingControl, func(msg *nats.Msg) {
		reply := handleControl(context.Background(), rec, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Error("failed to encode control reply", slog.String("error", err.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("failed to send control reply", slog.String("error", err.Error()))
		}
	})
}

func handleControl(ctx context.Context, rec *Recorder, data []byte) protocol.ControlReply {
	var req protocol.ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.ControlReply{Error: fmt.Sprintf("invalid control request: %v", err)}
	}

	var (
		status protocol.SessionStatus
		err    error
	)
	switch req.Action {
	case "start":
		status, err = rec.Start(ctx)
	case "stop":
		status, err = rec.Stop(ctx)
	case "status":
		status = rec.Status()
	default:
		return protocol.ControlReply{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if err != nil {
		return protocol.ControlReply{Error: err.Error(), Status: &status}
	}
	return protocol.ControlReply{OK: true, Status: &status}
}
