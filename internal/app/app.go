package app

import (
	"github.com/rs/zerolog"

	"loomcrypt/internal/account"
	"loomcrypt/internal/devices"
	"loomcrypt/internal/queue"
	"loomcrypt/internal/session"
	"loomcrypt/internal/store"
)

// App is the assembled engine.
type App struct {
	Account  *account.Manager
	Devices  *devices.Store
	Pairwise *session.PairwiseManager
	Group    *session.GroupManager
	Queue    *queue.Queue
	Store    *store.EncryptedStore
	Log      zerolog.Logger
}

// Verifier builds a trust verifier rooted at the account's own master key.
// It returns false until cross-signing has been bootstrapped.
func (a *App) Verifier() (*devices.Verifier, bool) {
	identity, ok := a.Account.Identity()
	if !ok || identity.Master == nil {
		return nil, false
	}
	return devices.NewVerifier(a.Account.UserID(), identity.Master.Key, a.Devices), true
}

// Close wipes the store's in-memory key material and releases the backend.
func (a *App) Close() error {
	return a.Store.Close()
}
