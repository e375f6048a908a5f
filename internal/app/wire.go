package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"loomcrypt/internal/account"
	"loomcrypt/internal/devices"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/queue"
	"loomcrypt/internal/session"
	"loomcrypt/internal/store"
)

// Build opens the encrypted store and assembles the dependency graph. The
// account is created on first run for (userID, deviceID) and loaded on
// later runs, ignoring the ids passed in.
func Build(cfg Config, backend domain.Backend, passphrase string, userID domain.UserID, deviceID domain.DeviceID, log zerolog.Logger) (*App, error) {
	st, err := store.Open(backend, passphrase, cfg.ScryptParams(), log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	acct, ok, err := account.Load(st, log)
	if err != nil {
		return nil, err
	}
	if !ok {
		if userID == "" || deviceID == "" {
			return nil, fmt.Errorf("no account in store; user and device ids required to create one")
		}
		acct, err = account.Create(st, log, userID, deviceID)
		if err != nil {
			return nil, err
		}
	}

	devs, err := devices.NewStore(st, log)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(st, log, cfg.MaxRecipients)
	if err != nil {
		return nil, err
	}
	pairwise, err := session.NewPairwiseManager(st, acct, log)
	if err != nil {
		return nil, err
	}
	group, err := session.NewGroupManager(st, acct, pairwise, q, cfg.RotationPolicy(), log)
	if err != nil {
		return nil, err
	}

	return &App{
		Account:  acct,
		Devices:  devs,
		Pairwise: pairwise,
		Group:    group,
		Queue:    q,
		Store:    st,
		Log:      log,
	}, nil
}

// Open builds the engine over a bbolt database at cfg.StorePath.
func Open(cfg Config, passphrase string, userID domain.UserID, deviceID domain.DeviceID, log zerolog.Logger) (*App, error) {
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("store path not configured")
	}
	backend, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	a, err := Build(cfg, backend, passphrase, userID, deviceID, log)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}
