package adapters

// KeyValueStore is the small durable store used for values that must
// survive restarts, like the device identifier and the user name.
// Implement this interface to plug in a custom backend.
type KeyValueStore interface {
	// Get returns the value stored under key. The bool is false when the
	// key is absent.
	Get(key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Clear removes every key.
	Clear() error
}
