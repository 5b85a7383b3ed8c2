package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/device"
	"github.com/srg/blesession/pkg/session"
)

var readCmd = &cobra.Command{
	Use:   "read <peripheral-id> <service> <characteristic>",
	Short: "Read a characteristic value",
	Long: `Connects, reads one characteristic and prints its value as hex.

Examples:
  # Read Battery Level
  blesession read AA:BB:CC:DD:EE:FF 180f 2a19`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write <peripheral-id> <service> <characteristic> <hex>",
	Short: "Write a characteristic value",
	Long: `Connects and writes hex data to one characteristic.

Bytes may be separated by spaces, colons or dashes and carry a 0x prefix.

Examples:
  blesession write AA:BB:CC:DD:EE:FF 6e400001-b5a3-f393-e0a9-e50e24dcca9e 6e400002-b5a3-f393-e0a9-e50e24dcca9e "01 02 03"
  blesession write AA:BB:CC:DD:EE:FF fff0 fff2 0x01:0x02 --without-response`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var servicesCmd = &cobra.Command{
	Use:   "services <peripheral-id>",
	Short: "List the GATT services of a peripheral",
	Args:  cobra.ExactArgs(1),
	RunE:  runServices,
}

var writeWithoutResponse bool

func init() {
	writeCmd.Flags().BoolVar(&writeWithoutResponse, "without-response", false, "Write without waiting for an acknowledgement")
}

// parseHexData decodes hex bytes, ignoring separators and 0x prefixes.
func parseHexData(s string) ([]byte, error) {
	cleaned := strings.NewReplacer("0x", "", "0X", "", " ", "", ":", "", "-", "").Replace(s)
	if cleaned == "" {
		return nil, fmt.Errorf("no data to write")
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	return data, nil
}

// withPeripheral connects to id, discovers its services and runs fn.
// The link is dropped afterwards.
func withPeripheral(cmd *cobra.Command, e *env, id device.PeripheralID, fn func(ctx context.Context, p *session.Peripheral) error) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	p, err := session.NewPeripheral(ctx, id, nil, e.sessionOptions()...)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer disconnect(e, p)

	if err := p.DiscoverServices(ctx); err != nil {
		return err
	}
	return fn(ctx, p)
}

// gattArgs parses the peripheral id and the optional service/characteristic pair.
func gattArgs(args []string) (device.PeripheralID, charRef, error) {
	id, err := device.ParsePeripheralID(args[0])
	if err != nil {
		return device.PeripheralID{}, charRef{}, err
	}
	if len(args) < 3 {
		return id, charRef{}, nil
	}
	ref, err := parseCharRef(args[1] + ":" + args[2])
	return id, ref, err
}

func runRead(cmd *cobra.Command, args []string) error {
	id, ref, err := gattArgs(args)
	if err != nil {
		return err
	}
	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return withPeripheral(cmd, e, id, func(ctx context.Context, p *session.Peripheral) error {
		c, err := p.Characteristic(ctx, ref.service, ref.char)
		if err != nil {
			return err
		}
		value, err := p.Read(ctx, c)
		if err != nil {
			return err
		}
		return e.out.record("read",
			f("id", id.String()),
			f("service", device.ShortUUID(ref.service)),
			f("characteristic", device.ShortUUID(ref.char)),
			f("value", hex.EncodeToString(value)),
		)
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	id, ref, err := gattArgs(args)
	if err != nil {
		return err
	}
	data, err := parseHexData(args[3])
	if err != nil {
		return err
	}
	wt := device.WithResponse
	if writeWithoutResponse {
		wt = device.WithoutResponse
	}

	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return withPeripheral(cmd, e, id, func(ctx context.Context, p *session.Peripheral) error {
		c, err := p.Characteristic(ctx, ref.service, ref.char)
		if err != nil {
			return err
		}
		if err := p.Write(ctx, c, data, wt); err != nil {
			return err
		}
		return e.out.record("write",
			f("id", id.String()),
			f("service", device.ShortUUID(ref.service)),
			f("characteristic", device.ShortUUID(ref.char)),
			f("bytes", len(data)),
			f("mode", wt.String()),
		)
	})
}

func runServices(cmd *cobra.Command, args []string) error {
	id, _, err := gattArgs(args)
	if err != nil {
		return err
	}
	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return withPeripheral(cmd, e, id, func(ctx context.Context, p *session.Peripheral) error {
		services, err := p.Services(ctx)
		if err != nil {
			return err
		}
		sorted := make([]device.Service, len(services))
		for i, svc := range services {
			svc.Characteristics = slices.Clone(svc.Characteristics)
			sorted[i] = svc
		}
		device.SortServices(sorted)
		return e.out.services(sorted)
	})
}
