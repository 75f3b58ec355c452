package castore

import (
	"bytes"
	"fmt"
)

// PathComponents splits a relative castore path into its components,
// validating each one. The empty string is the root path and yields no
// components. Absolute paths, empty segments and invalid components are
// rejected.
func PathComponents(p string) ([][]byte, error) {
	if p == "" {
		return nil, nil
	}

	components := bytes.Split([]byte(p), []byte{'/'})
	for _, component := range components {
		if !IsValidName(component) {
			return nil, fmt.Errorf("invalid path component: %q", component)
		}
	}

	return components, nil
}
