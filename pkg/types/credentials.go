// Package types defines the values passed between the login capture, the
// authority client and the browser sessions.
package types

import "fmt"

// Credentials is a username/password pair submitted through the login form.
// Values are transient: they are handed to the remote authority once and
// never persisted or logged.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// String renders the credentials with the password redacted so that an
// accidental %v in a log line never leaks it.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Password: [redacted]}", c.Username)
}

// GoString keeps %#v redacted as well.
func (c Credentials) GoString() string {
	return c.String()
}
