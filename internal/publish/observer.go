package publish

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// Topic suffixes, one per advertisement event.
const (
	TopicDiscovered         = "discovered"
	TopicUpdated            = "updated"
	TopicManufacturerData   = "manufacturer_data"
	TopicServiceData        = "service_data"
	TopicServicesAdvertised = "services"
)

type message struct {
	topic   string
	payload []byte
}

// Payload is the JSON body of every published message.
// Byte values are hex encoded; UUIDs use their short form where one exists.
type Payload struct {
	ID               string            `json:"id"`
	Timestamp        int64             `json:"timestamp"`
	LocalName        string            `json:"local_name,omitempty"`
	RSSI             *int16            `json:"rssi,omitempty"`
	TxPowerLevel     *int16            `json:"tx_power_level,omitempty"`
	ManufacturerData map[string]string `json:"manufacturer_data,omitempty"`
	ServiceData      map[string]string `json:"service_data,omitempty"`
	Services         []string          `json:"services,omitempty"`
}

// ObserverOptions configures an MQTTObserver.
type ObserverOptions struct {
	TopicPrefix string
	QoS         byte
	Retained    bool
	QueueSize   int
	Logger      *logrus.Logger
}

// MQTTObserver is a session.ScanObserver publishing every event to
// <prefix>/<peripheral id>/<event>. Events are queued in a RingChannel and
// published by one goroutine, so a slow broker drops the oldest events
// instead of stalling the scan.
type MQTTObserver struct {
	pub    Publisher
	opts   ObserverOptions
	logger *logrus.Logger
	queue  *RingChannel[message]
	now    func() time.Time

	closeOnce sync.Once
	done      <-chan struct{}
}

// NewMQTTObserver starts the publishing goroutine. Close stops it.
func NewMQTTObserver(pub Publisher, opts ObserverOptions) *MQTTObserver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	o := &MQTTObserver{
		pub:    pub,
		opts:   opts,
		logger: opts.Logger,
		queue:  NewRingChannel[message](opts.QueueSize),
		now:    time.Now,
	}
	o.done = groutine.Done(context.Background(), "mqtt-publisher", o.run)
	return o
}

func (o *MQTTObserver) run(context.Context) {
	for m := range o.queue.C() {
		if err := o.pub.Publish(m.topic, o.opts.QoS, o.opts.Retained, m.payload); err != nil {
			o.logger.WithError(err).WithField("topic", m.topic).Error("error while publishing advertisement")
		}
	}
}

// Close publishes what is still queued and stops the publishing goroutine.
// It must be called after the scan feeding the observer has ended.
func (o *MQTTObserver) Close() {
	o.closeOnce.Do(o.queue.Close)
	<-o.done
	if n := o.queue.Overwritten(); n > 0 {
		o.logger.WithField("dropped", n).Warn("MQTT publisher dropped events")
	}
}

func (o *MQTTObserver) OnDiscovered(_ context.Context, props device.PeripheralProperties) {
	o.enqueue(props.ID, TopicDiscovered, o.fromProperties(props))
}

func (o *MQTTObserver) OnUpdated(_ context.Context, props device.PeripheralProperties) {
	o.enqueue(props.ID, TopicUpdated, o.fromProperties(props))
}

func (o *MQTTObserver) OnManufacturerData(_ context.Context, id device.PeripheralID, data map[uint16][]byte) {
	o.enqueue(id, TopicManufacturerData, Payload{
		ID:               id.String(),
		Timestamp:        o.now().Unix(),
		ManufacturerData: hexManufacturerData(data),
	})
}

func (o *MQTTObserver) OnServiceData(_ context.Context, id device.PeripheralID, data map[device.UUID][]byte) {
	o.enqueue(id, TopicServiceData, Payload{
		ID:          id.String(),
		Timestamp:   o.now().Unix(),
		ServiceData: hexServiceData(data),
	})
}

func (o *MQTTObserver) OnServicesAdvertised(_ context.Context, id device.PeripheralID, services []device.UUID) {
	o.enqueue(id, TopicServicesAdvertised, Payload{
		ID:        id.String(),
		Timestamp: o.now().Unix(),
		Services:  shortUUIDs(services),
	})
}

func (o *MQTTObserver) enqueue(id device.PeripheralID, event string, p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		o.logger.WithError(err).Error("failed to encode advertisement payload")
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", o.opts.TopicPrefix, id.String(), event)
	if o.queue.ForceSend(message{topic: topic, payload: body}) {
		o.logger.WithField("topic", topic).Debug("MQTT queue full, dropped oldest event")
	}
}

func (o *MQTTObserver) fromProperties(props device.PeripheralProperties) Payload {
	return Payload{
		ID:               props.ID.String(),
		Timestamp:        o.now().Unix(),
		LocalName:        props.LocalName,
		RSSI:             props.RSSI,
		TxPowerLevel:     props.TxPowerLevel,
		ManufacturerData: hexManufacturerData(props.ManufacturerData),
		ServiceData:      hexServiceData(props.ServiceData),
		Services:         shortUUIDs(props.Services),
	}
}

func hexManufacturerData(data map[uint16][]byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for company, v := range data {
		out[fmt.Sprintf("0x%04x", company)] = hex.EncodeToString(v)
	}
	return out
}

func hexServiceData(data map[device.UUID][]byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for u, v := range data {
		out[device.ShortUUID(u)] = hex.EncodeToString(v)
	}
	return out
}

func shortUUIDs(us []device.UUID) []string {
	if len(us) == 0 {
		return nil
	}
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = device.ShortUUID(u)
	}
	return out
}
