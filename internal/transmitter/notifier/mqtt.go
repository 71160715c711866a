package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	pkgmqtt "cloupeer.io/transmitter/pkg/mqtt"
	"cloupeer.io/transmitter/pkg/mqtt/topic"
	"cloupeer.io/transmitter/pkg/options"
)

// MQTTNotifier publishes events as JSON to
// {topic-root}/transmitter/{vehicleID}/upload with QoS 1.
type MQTTNotifier struct {
	client pkgmqtt.Client
	topics *topic.Builder
}

// NewMQTTNotifier connects to the broker configured in opts. The connection
// is established in the background; Notify waits for it.
func NewMQTTNotifier(ctx context.Context, opts *options.MqttOptions) (*MQTTNotifier, error) {
	cfg := opts.ToClientConfig()
	if cfg.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.ClientID = fmt.Sprintf("cpeer-transmitter-%s", hostname)
	}

	client, err := pkgmqtt.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return NewMQTTNotifierWithClient(client, opts.TopicRoot), nil
}

// NewMQTTNotifierWithClient publishes through an already started client.
func NewMQTTNotifierWithClient(client pkgmqtt.Client, topicRoot string) *MQTTNotifier {
	return &MQTTNotifier{client: client, topics: topic.NewBuilder(topicRoot)}
}

func (n *MQTTNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.topics.Upload(e.VehicleID), 1, false, payload)
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close(ctx context.Context) {
	n.client.Disconnect(ctx)
}
