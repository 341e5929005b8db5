package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"seelevel/internal/config"
	"seelevel/internal/sensor"
	"seelevel/internal/tank"
)

func TestPublisher_PublishWhileOffline(t *testing.T) {
	cfg := config.Default().MQTT
	cfg.Broker = "127.0.0.1"

	pub, err := NewPublisher(cfg, Entity{ServiceUUID: testUUID}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if pub.IsConnected() {
		t.Fatalf("IsConnected() = true before Connect")
	}

	st := tank.StateFromReading(tank.Reading{Type: tank.SensorGray, Text: "GRY", Volume: 4, Total: 40}, "AA:BB:CC:DD:EE:FF")
	err = pub.Publish(context.Background(), sensor.Snapshot{ServiceUUID: testUUID, Unit: sensor.Unit, State: st, At: time.Now()})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
	if !errors.Is(err, sensor.ErrPublisherOffline) {
		t.Errorf("Publish() error = %v, want it to wrap sensor.ErrPublisherOffline", err)
	}
}

func TestNewPublisher_RequiresBroker(t *testing.T) {
	if _, err := NewPublisher(config.Default().MQTT, Entity{ServiceUUID: testUUID}, nil); !errors.Is(err, config.ErrConfig) {
		t.Errorf("NewPublisher(no broker) error = %v, want ErrConfig", err)
	}
}
