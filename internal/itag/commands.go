package itag

import (
	"context"
	"fmt"
	"strings"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/mqtt"
)

// ParseAlertLevel parses an alert command payload: 0, 1, 2 or the names
// none, mild, high.
func ParseAlertLevel(payload []byte) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "0", "none", "off":
		return bluetooth.AlertNone, nil
	case "1", "mild":
		return bluetooth.AlertMild, nil
	case "2", "high":
		return bluetooth.AlertHigh, nil
	default:
		return 0, fmt.Errorf("%w: alert level %q", ErrMalformedPayload, payload)
	}
}

// SetAlert writes an alert level to a configured, connected device.
// deviceID may use either case and '-' separators.
func (b *Bridge) SetAlert(ctx context.Context, deviceID string, level byte) error {
	addr, err := bluetooth.ParseAddress(deviceID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	m, ok := b.machines[addr.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	return m.SetAlert(ctx, level)
}

// handleAlertCommand handles itag/<id>/alert/set. The write runs on its own
// goroutine so the MQTT client's delivery goroutine never waits on a device.
func (b *Bridge) handleAlertCommand(topic string, payload []byte) error {
	deviceID, ok := mqtt.DeviceFromAlertCommand(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}
	level, err := ParseAlertLevel(payload)
	if err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return nil
	}

	b.commandWG.Add(1)
	go func() {
		defer b.commandWG.Done()
		if err := b.SetAlert(b.ctx, deviceID, level); err != nil {
			b.logger.Warn("alert command dropped", "device", deviceID, "level", level, "error", err)
			return
		}
		b.logger.Info("alert level set", "device", deviceID, "level", level)
	}()
	return nil
}
