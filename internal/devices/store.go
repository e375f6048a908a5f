package devices

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/store"
)

// Store is the device and cross-signing identity registry. It is fed by
// caller-provided device list updates and persists every entry through the
// encrypted store.
type Store struct {
	mu  sync.RWMutex
	st  *store.EncryptedStore
	log zerolog.Logger

	devices    map[domain.UserID]map[domain.DeviceID]domain.Device
	identities map[domain.UserID]domain.UserIdentity
}

// NewStore loads the registry from the encrypted store.
func NewStore(st *store.EncryptedStore, log zerolog.Logger) (*Store, error) {
	s := &Store{
		st:         st,
		log:        log,
		devices:    make(map[domain.UserID]map[domain.DeviceID]domain.Device),
		identities: make(map[domain.UserID]domain.UserIdentity),
	}

	err := st.Scan(store.PrefixDevice, func(key string, pt []byte) error {
		var d domain.Device
		if err := store.Unmarshal(pt, &d); err != nil {
			return err
		}
		if s.devices[d.UserID] == nil {
			s.devices[d.UserID] = make(map[domain.DeviceID]domain.Device)
		}
		s.devices[d.UserID][d.DeviceID] = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}

	err = st.Scan(store.PrefixIdentity, func(key string, pt []byte) error {
		var id domain.UserIdentity
		if err := store.Unmarshal(pt, &id); err != nil {
			return err
		}
		s.identities[id.UserID] = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	return s, nil
}

// UpsertDevice records a device from a device list update. The stored
// explicit trust decision survives the update.
func (s *Store) UpsertDevice(d domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.lookup(d.UserID, d.DeviceID); ok {
		d.LocalTrust = prev.LocalTrust
	}
	if err := s.st.Save(store.DeviceKey(d.UserID, d.DeviceID), d); err != nil {
		return err
	}
	if s.devices[d.UserID] == nil {
		s.devices[d.UserID] = make(map[domain.DeviceID]domain.Device)
	}
	s.devices[d.UserID][d.DeviceID] = d
	return nil
}

// RemoveDevice drops a device the server no longer lists.
func (s *Store) RemoveDevice(user domain.UserID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.st.Delete(store.DeviceKey(user, device)); err != nil {
		return err
	}
	delete(s.devices[user], device)
	return nil
}

// Device returns one registry entry.
func (s *Store) Device(user domain.UserID, device domain.DeviceID) (domain.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(user, device)
}

func (s *Store) lookup(user domain.UserID, device domain.DeviceID) (domain.Device, bool) {
	d, ok := s.devices[user][device]
	return d, ok
}

// UserDevices lists every known device of a user.
func (s *Store) UserDevices(user domain.UserID) []domain.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Device, 0, len(s.devices[user]))
	for _, d := range s.devices[user] {
		out = append(out, d)
	}
	return out
}

// SetLocalTrust records an explicit trust decision for a device. It is
// kept apart from derived verification so a later re-verification never
// clobbers the user's choice.
func (s *Store) SetLocalTrust(user domain.UserID, device domain.DeviceID, level domain.TrustLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.lookup(user, device)
	if !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrUnknownDevice, user, device)
	}
	d.LocalTrust = level
	if err := s.st.Save(store.DeviceKey(user, device), d); err != nil {
		return err
	}
	s.devices[user][device] = d
	s.log.Debug().
		Str("user", user.String()).
		Str("device", device.String()).
		Str("trust", level.String()).
		Msg("devices: local trust set")
	return nil
}

// SetIdentity records a user's published cross-signing key set.
func (s *Store) SetIdentity(id domain.UserIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.st.Save(store.IdentityKey(id.UserID), id); err != nil {
		return err
	}
	s.identities[id.UserID] = id
	return nil
}

// Identity returns a user's cross-signing key set.
func (s *Store) Identity(user domain.UserID) (domain.UserIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[user]
	return id, ok
}
