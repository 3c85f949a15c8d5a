package itag

import (
	"fmt"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// decodeButton validates a button notification. iTags send one byte per
// press whose value varies by model, so any non-empty value is a press.
func decodeButton(value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: empty button value", ErrMalformedPayload)
	}
	return nil
}

// decodeBattery parses a Battery Level value: one byte, 0 to 100.
func decodeBattery(value []byte) (int, error) {
	if len(value) != 1 {
		return 0, fmt.Errorf("%w: battery value has %d bytes, want 1", ErrMalformedPayload, len(value))
	}
	if value[0] > 100 {
		return 0, fmt.Errorf("%w: battery level %d out of range", ErrMalformedPayload, value[0])
	}
	return int(value[0]), nil
}

// decoded is the result of decoding one notification.
type decoded struct {
	kind    EventKind
	percent int
}

func decodeNotification(n bluetooth.Notification) (decoded, error) {
	switch n.Characteristic {
	case bluetooth.ButtonCharacteristic:
		if err := decodeButton(n.Value); err != nil {
			return decoded{}, err
		}
		return decoded{kind: KindButton}, nil
	case bluetooth.BatteryLevelCharacteristic:
		pct, err := decodeBattery(n.Value)
		if err != nil {
			return decoded{}, err
		}
		return decoded{kind: KindBattery, percent: pct}, nil
	default:
		return decoded{}, fmt.Errorf("%w: unexpected characteristic %s", ErrMalformedPayload, n.Characteristic)
	}
}
