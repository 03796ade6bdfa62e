package config

// ConfigBackend is the platform-native settings store behind `memento config`.
// Darwin keeps values in UserDefaults through the defaults CLI; other
// platforms use an XDG config file. Environment variables override whatever
// the backend holds.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
