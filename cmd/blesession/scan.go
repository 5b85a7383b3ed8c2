package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/publish"
	"github.com/srg/blesession/pkg/device"
	"github.com/srg/blesession/pkg/session"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE advertisements",
	Long: `Prints every advertisement event until the duration elapses or Ctrl+C is pressed.

Examples:
  # Scan for 30 seconds
  blesession scan -d 30s

  # Only peripherals advertising the Heart Rate service, forever
  blesession scan -d 0 --service 180d

  # Publish to an MQTT broker as well
  blesession scan --mqtt tcp://localhost:1883`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanServices []string
	scanMQTT     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite); overrides scan_duration")
	scanCmd.Flags().StringSliceVarP(&scanServices, "service", "s", nil, "Only report peripherals advertising one of these service UUIDs")
	scanCmd.Flags().StringVar(&scanMQTT, "mqtt", "", "MQTT broker URL to publish events to; overrides mqtt.broker")
}

func runScan(cmd *cobra.Command, _ []string) error {
	services, err := device.ParseUUIDs(scanServices...)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := e.cfg.ScanDuration
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}
	if scanMQTT != "" {
		e.cfg.MQTT.Broker = scanMQTT
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	observers := scanObservers{&scanPrinter{out: e.out}}
	if e.cfg.MQTT.Broker != "" {
		client := publish.NewMQTT(e.cfg.MQTT)
		if err := client.Connect(); err != nil {
			return err
		}
		defer client.Disconnect()

		mqttObserver := publish.NewMQTTObserver(client, publish.ObserverOptions{
			TopicPrefix: e.cfg.MQTT.TopicPrefix,
			QoS:         e.cfg.MQTT.QoS,
			Retained:    e.cfg.MQTT.Retained,
			QueueSize:   e.cfg.MQTT.QueueSize,
			Logger:      e.logger,
		})
		// runs after the scan below has stopped
		defer mqttObserver.Close()
		observers = append(observers, mqttObserver)
	}

	scan, err := session.StartScan(ctx, device.ScanFilter{Services: services}, observers, e.sessionOptions()...)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-scan.Done():
		e.logger.Warn("Adapter event stream ended")
	}

	scan.Cancel()
	tctx, cancel := e.teardownContext()
	defer cancel()
	return scan.Wait(tctx)
}

// scanObservers dispatches every scan event to each observer in order.
type scanObservers []session.ScanObserver

func (o scanObservers) OnDiscovered(ctx context.Context, props device.PeripheralProperties) {
	for _, obs := range o {
		obs.OnDiscovered(ctx, props)
	}
}

func (o scanObservers) OnUpdated(ctx context.Context, props device.PeripheralProperties) {
	for _, obs := range o {
		obs.OnUpdated(ctx, props)
	}
}

func (o scanObservers) OnManufacturerData(ctx context.Context, id device.PeripheralID, data map[uint16][]byte) {
	for _, obs := range o {
		obs.OnManufacturerData(ctx, id, data)
	}
}

func (o scanObservers) OnServiceData(ctx context.Context, id device.PeripheralID, data map[device.UUID][]byte) {
	for _, obs := range o {
		obs.OnServiceData(ctx, id, data)
	}
}

func (o scanObservers) OnServicesAdvertised(ctx context.Context, id device.PeripheralID, services []device.UUID) {
	for _, obs := range o {
		obs.OnServicesAdvertised(ctx, id, services)
	}
}

// scanPrinter prints scan events.
type scanPrinter struct {
	out *printer
}

func (s *scanPrinter) OnDiscovered(_ context.Context, props device.PeripheralProperties) {
	_ = s.out.record("discovered", propertyFields(props)...)
}

func (s *scanPrinter) OnUpdated(_ context.Context, props device.PeripheralProperties) {
	_ = s.out.record("updated", propertyFields(props)...)
}

func (s *scanPrinter) OnManufacturerData(_ context.Context, id device.PeripheralID, data map[uint16][]byte) {
	_ = s.out.record("manufacturer_data", f("id", id.String()), f("data", manufacturerHex(data)))
}

func (s *scanPrinter) OnServiceData(_ context.Context, id device.PeripheralID, data map[device.UUID][]byte) {
	_ = s.out.record("service_data", f("id", id.String()), f("data", serviceDataHex(data)))
}

func (s *scanPrinter) OnServicesAdvertised(_ context.Context, id device.PeripheralID, services []device.UUID) {
	_ = s.out.record("services", f("id", id.String()), f("services", shortUUIDs(services)))
}

func propertyFields(props device.PeripheralProperties) []field {
	return []field{
		f("id", props.ID.String()),
		f("name", props.LocalName),
		f("rssi", props.RSSI),
		f("tx_power", props.TxPowerLevel),
		f("services", shortUUIDs(props.Services)),
	}
}

func manufacturerHex(data map[uint16][]byte) map[string]string {
	out := make(map[string]string, len(data))
	for company, v := range data {
		out[fmt.Sprintf("0x%04x", company)] = hex.EncodeToString(v)
	}
	return out
}

func serviceDataHex(data map[device.UUID][]byte) map[string]string {
	out := make(map[string]string, len(data))
	for u, v := range data {
		out[device.ShortUUID(u)] = hex.EncodeToString(v)
	}
	return out
}

func shortUUIDs(us []device.UUID) []string {
	out := make([]string, 0, len(us))
	for _, u := range us {
		out = append(out, device.ShortUUID(u))
	}
	return out
}
