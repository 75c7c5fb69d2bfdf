package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/events"
)

// StreamSource reads the in-process lifecycle stream.
type StreamSource struct {
	Stream *events.Stream
	Buffer int
}

// Events subscribes to the stream and unsubscribes when ctx is done.
func (s StreamSource) Events(ctx context.Context) (<-chan domain.LifecycleEvent, error) {
	ch, cancel := s.Stream.Subscribe(s.Buffer)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, nil
}

// BusSource reads the lifecycle pub/sub channel an engine process mirrors
// to Redis. The api mode uses it to follow a separate engine.
type BusSource struct {
	Bus    domain.SignalBus
	Logger *slog.Logger
}

// Events decodes every payload on events.Channel. Undecodable payloads are
// logged and skipped.
func (s BusSource) Events(ctx context.Context) (<-chan domain.LifecycleEvent, error) {
	raw, err := s.Bus.Subscribe(ctx, events.Channel)
	if err != nil {
		return nil, fmt.Errorf("ws: subscribe %s: %w", events.Channel, err)
	}
	out := make(chan domain.LifecycleEvent, sendBufferSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-raw:
				if !ok {
					return
				}
				var ev domain.LifecycleEvent
				if err := json.Unmarshal(payload, &ev); err != nil {
					s.Logger.Warn("ws: undecodable lifecycle payload", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
