// Package core holds the vocabulary shared by the proxy's packages and its clients
package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// AccessMode is the access mode of a proxied database request, one of ReadOnly or Writable
type AccessMode string

// all supported access modes. The values are also the last segment of the REST routes.
const (
	AccessModeReadOnly AccessMode = "readOnly"
	AccessModeWritable AccessMode = "writable"
)

// Writable returns true for AccessModeWritable
func (m AccessMode) Writable() bool {
	return m == AccessModeWritable
}

// UnmarshalJSON is a custom JSON unmarshaller
func (m *AccessMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch AccessMode(s) {
	case AccessModeReadOnly, AccessModeWritable:
		*m = AccessMode(s)
		return nil
	default:
		return fmt.Errorf("%s is not a valid access mode", s)
	}
}

// HTTP headers understood or produced by the proxy
const (
	// HeaderTransaction carries the ID of a held transaction in responses
	HeaderTransaction = "X-Db-Transaction"
	// HeaderModule names the module whose schema version must match
	HeaderModule = "X-Db-Module"
	// HeaderVersion carries the expected schema version in requests and the
	// current schema version in conflict responses
	HeaderVersion = "X-Db-Version"
)

// ProxyRoles are the roles which may use the proxy when authorization is enabled
var ProxyRoles = []string{"admin", "database"}
