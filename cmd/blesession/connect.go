package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/device"
	"github.com/srg/blesession/pkg/session"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <peripheral-id>",
	Short: "Connect and stream state changes and notifications",
	Long: `Connects to a peripheral and stays connected until Ctrl+C is pressed.

When the host does not know the peripheral yet, a scan runs until it
advertises. Every state change of the connect attempt is printed, followed
by link changes and the values of subscribed characteristics.

Examples:
  # Connect and watch the link
  blesession connect AA:BB:CC:DD:EE:FF

  # Stream Heart Rate Measurement notifications
  blesession connect AA:BB:CC:DD:EE:FF --subscribe 180d:2a37`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var connectSubscribe []string

func init() {
	connectCmd.Flags().StringSliceVar(&connectSubscribe, "subscribe", nil, "Characteristics to subscribe to, as service:characteristic")
}

// charRef names a characteristic by service and characteristic UUID.
type charRef struct {
	service device.UUID
	char    device.UUID
}

// parseCharRef parses "service:characteristic".
func parseCharRef(s string) (charRef, error) {
	svc, char, ok := strings.Cut(s, ":")
	if !ok {
		return charRef{}, fmt.Errorf("invalid characteristic %q: expected service:characteristic", s)
	}
	var ref charRef
	var err error
	if ref.service, err = device.ParseUUID(svc); err != nil {
		return charRef{}, err
	}
	if ref.char, err = device.ParseUUID(char); err != nil {
		return charRef{}, err
	}
	return ref, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	id, err := device.ParsePeripheralID(args[0])
	if err != nil {
		return err
	}
	refs := make([]charRef, 0, len(connectSubscribe))
	for _, s := range connectSubscribe {
		ref, err := parseCharRef(s)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd)
	defer stop()

	observer := &linkPrinter{out: e.out, id: id}
	p, err := session.NewPeripheral(ctx, id, observer, e.sessionOptions(
		session.WithStateHook(func(from, to session.State) {
			_ = e.out.record("state", f("id", id.String()), f("from", from.String()), f("to", to.String()))
		}),
	)...)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer disconnect(e, p)

	if len(refs) > 0 {
		if err := p.DiscoverServices(ctx); err != nil {
			return err
		}
		for _, ref := range refs {
			c, err := p.Characteristic(ctx, ref.service, ref.char)
			if err != nil {
				return err
			}
			if err := p.Subscribe(ctx, c); err != nil {
				return fmt.Errorf("subscribe to %s: %w", device.ShortUUID(ref.char), err)
			}
		}
	}

	<-ctx.Done()
	return nil
}

func disconnect(e *env, p *session.Peripheral) {
	tctx, cancel := e.teardownContext()
	defer cancel()
	if err := p.Disconnect(tctx); err != nil {
		e.logger.WithError(err).Warn("Disconnect failed")
	}
}

// linkPrinter prints link changes and notification values.
type linkPrinter struct {
	out *printer
	id  device.PeripheralID
}

func (l *linkPrinter) OnConnected(context.Context) {
	_ = l.out.record("connected", f("id", l.id.String()))
}

func (l *linkPrinter) OnDisconnected(context.Context) {
	_ = l.out.record("disconnected", f("id", l.id.String()))
}

func (l *linkPrinter) OnNotification(_ context.Context, char device.UUID, value []byte) {
	_ = l.out.record("notification", f("id", l.id.String()), f("characteristic", device.ShortUUID(char)), f("value", hex.EncodeToString(value)))
}
