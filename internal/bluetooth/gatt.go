package bluetooth

// CharacteristicID is a lower-case 128-bit GATT characteristic UUID string.
type CharacteristicID string

// Characteristics used by iTag keyfinders.
const (
	// ButtonService is the vendor service carrying button notifications.
	ButtonService = "0000ffe0-0000-1000-8000-00805f9b34fb"

	// ButtonCharacteristic notifies once per button press.
	ButtonCharacteristic CharacteristicID = "0000ffe1-0000-1000-8000-00805f9b34fb"

	// ImmediateAlertService is the standard Immediate Alert service (0x1802).
	ImmediateAlertService = "00001802-0000-1000-8000-00805f9b34fb"

	// AlertLevelCharacteristic (0x2A06) accepts 0 (none), 1 (mild) or 2 (high).
	AlertLevelCharacteristic CharacteristicID = "00002a06-0000-1000-8000-00805f9b34fb"

	// BatteryService is the standard Battery service (0x180F).
	BatteryService = "0000180f-0000-1000-8000-00805f9b34fb"

	// BatteryLevelCharacteristic (0x2A19) is a single byte percentage.
	BatteryLevelCharacteristic CharacteristicID = "00002a19-0000-1000-8000-00805f9b34fb"
)

// Alert levels for AlertLevelCharacteristic.
const (
	AlertNone byte = 0x00
	AlertMild byte = 0x01
	AlertHigh byte = 0x02
)
