package domain

// BackendTx exposes writes inside one atomic backend transaction.
type BackendTx interface {
	Save(key string, value []byte) error
	Delete(key string) error
}

// Backend is the physical persistence contract the engine is agnostic to.
// Implementations must apply Transaction atomically: after a crash either
// all of the transaction's writes are visible or none are.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Save(key string, value []byte) error
	Delete(key string) error
	Transaction(fn func(tx BackendTx) error) error

	// Scan visits every key with the given prefix in lexicographic order.
	Scan(prefix string, fn func(key string, value []byte) error) error

	Close() error
}
