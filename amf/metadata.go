package amf

import (
	"strings"

	"github.com/pkg/errors"
)

// Metadata is a loosely typed view over a decoded command or data object.
// Lookups are case-insensitive because encoders disagree on key casing.
type Metadata map[string]interface{}

func (m Metadata) Get(key string) interface{} {
	for k := range m {
		if strings.EqualFold(k, key) {
			return m[k]
		}
	}
	return nil
}

func (m Metadata) GetString(key string) (string, error) {
	result := m.Get(key)
	if result == nil {
		return "", errors.Errorf("could not find key '%s' in metadata", key)
	}
	str, ok := result.(string)
	if !ok {
		return "", errors.Errorf("metadata value for key '%s' is not a string", key)
	}
	return str, nil
}

func (m Metadata) GetNumber(key string) (float64, error) {
	result := m.Get(key)
	if result == nil {
		return 0, errors.Errorf("could not find key '%s' in metadata", key)
	}
	n, ok := result.(float64)
	if !ok {
		return 0, errors.Errorf("metadata value for key '%s' is not a number", key)
	}
	return n, nil
}
