package itag

import (
	"fmt"
	"sync"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// DeviceSpec is one configured device.
type DeviceSpec struct {
	Address bluetooth.Address
	Alias   string
}

// DeviceRecord is the live record of one configured device.
type DeviceRecord struct {
	// ID is the canonical address, AA:BB:CC:DD:EE:FF.
	ID      string            `json:"id"`
	Alias   string            `json:"alias,omitempty"`
	Address bluetooth.Address `json:"-"`

	State  State  `json:"state"`
	Reason Reason `json:"reason,omitempty"`

	// Adapter is the id of the adapter held while connecting or connected.
	Adapter string `json:"adapter,omitempty"`

	LastContact *time.Time `json:"last_contact,omitempty"`
	Battery     *int       `json:"battery,omitempty"`

	ConsecutiveFailures int `json:"consecutive_failures"`
	SubscribeFailures   int `json:"subscribe_failures"`

	// Warning is set after repeated subscription failures and cleared on
	// the next successful connection.
	Warning string `json:"warning,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (r *DeviceRecord) clone() DeviceRecord {
	c := *r
	if r.LastContact != nil {
		t := *r.LastContact
		c.LastContact = &t
	}
	if r.Battery != nil {
		b := *r.Battery
		c.Battery = &b
	}
	return c
}

// Store holds every configured device record.
//
// Records are created once from configuration and never removed. Readers get
// copies; only a device's own machine mutates its record through Update.
type Store struct {
	mu      sync.RWMutex
	records map[string]*DeviceRecord
	order   []string
}

// NewStore creates records for the configured devices, in order.
// It fails with ErrDuplicateDevice if an address appears twice.
func NewStore(devices []DeviceSpec) (*Store, error) {
	s := &Store{
		records: make(map[string]*DeviceRecord, len(devices)),
		order:   make([]string, 0, len(devices)),
	}
	now := time.Now().UTC()
	for _, d := range devices {
		id := d.Address.String()
		if _, exists := s.records[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
		}
		s.records[id] = &DeviceRecord{
			ID:        id,
			Alias:     d.Alias,
			Address:   d.Address,
			State:     Idle,
			UpdatedAt: now,
		}
		s.order = append(s.order, id)
	}
	return s, nil
}

// Has reports whether id is a configured device.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Get returns a copy of a device record.
func (s *Store) Get(id string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return r.clone(), true
}

// List returns copies of every record in configuration order.
func (s *Store) List() []DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].clone())
	}
	return out
}

// IDs returns every device id in configuration order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of configured devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// CountIn returns how many devices are currently in state.
func (s *Store) CountIn(state State) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.State == state {
			n++
		}
	}
	return n
}

// Update applies fn to a record under the store lock and returns the
// resulting copy. fn must not retain the pointer.
func (s *Store) Update(id string, fn func(r *DeviceRecord)) (DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return r.clone(), nil
}

// Restore seeds the persisted battery level and last contact time of a
// device. State is never restored; every run starts from Idle.
func (s *Store) Restore(id string, battery *int, lastContact *time.Time) error {
	_, err := s.Update(id, func(r *DeviceRecord) {
		if battery != nil {
			b := *battery
			r.Battery = &b
		}
		if lastContact != nil {
			t := *lastContact
			r.LastContact = &t
		}
	})
	return err
}
