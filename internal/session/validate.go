package session

import (
	"fmt"
	"regexp"
)

// maxSocketPath is the usable length of sockaddr_un.sun_path on macOS, the
// stricter of the supported platforms.
const maxSocketPath = 103

var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// ValidateName checks that name can be used as a session directory and as a
// command-line argument. Names are lowercase letters, digits, '_' and '-',
// at most 64 characters, and may not start with '-'.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 of [a-z0-9_-], not starting with '-'", name)
	}
	return nil
}

// ValidateSocket checks that the session's daemon socket path fits in a Unix
// socket address.
func ValidateSocket(name string) error {
	return checkSocketPath(SocketPath(name))
}

func checkSocketPath(path string) error {
	if len(path) > maxSocketPath {
		return fmt.Errorf("socket path %s is %d bytes, over the %d byte limit: use a shorter session name or home directory", path, len(path), maxSocketPath)
	}
	return nil
}
