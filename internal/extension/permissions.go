// Package extension executes the host calls guests make through the
// blockless imports: outbound HTTP, S3 object storage and IPFS MFS.
package extension

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied is matched by every PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError reports a URL outside an instance's permissions.
type PermissionError struct {
	URL string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.URL)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Permissions is the list of URL prefixes an instance may reach.
type Permissions []string

// Allows reports whether url starts with one of the prefixes, ignoring case.
// Empty prefixes grant nothing.
func (p Permissions) Allows(url string) bool {
	u := strings.ToLower(url)
	for _, prefix := range p {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(u, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// Check returns a PermissionError unless url is allowed.
func (p Permissions) Check(url string) error {
	if !p.Allows(url) {
		return &PermissionError{URL: url}
	}
	return nil
}
