package config

// appDir names the per-user directories holding canasta's data and settings.
const appDir = "canasta"

// ConfigBackend is the persistent store behind `canasta config set`.
// Only non-secret keys live here; floats and bools are stored as strings.
// Delete of a missing key is not an error.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
