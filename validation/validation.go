// Package validation checks user-supplied names and addresses before they
// reach the allocators.
package validation

import (
	"net"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

const maxLabelLength = 63

// DNS label: letters, digits and inner hyphens.
var labelRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Reserved labels that would shadow built-in hosts.
var reservedSubdomains = map[string]bool{
	"www": true,
	"api": false, // allowed; the apex API lives on the bare domain
}

// ValidateSubdomain checks that name can be used as the leftmost label of a
// public URL. Internationalized names are folded to their ASCII form.
func ValidateSubdomain(name string) (string, error) {
	if name == "" {
		return "", errors.New("subdomain must not be empty")
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(name))
	if err != nil {
		return "", errors.Wrapf(err, "subdomain %q is not a valid DNS name", name)
	}
	if strings.Contains(ascii, ".") {
		return "", errors.Errorf("subdomain %q must be a single label", name)
	}
	if len(ascii) > maxLabelLength {
		return "", errors.Errorf("subdomain %q exceeds %d characters", name, maxLabelLength)
	}
	if !labelRegexp.MatchString(ascii) {
		return "", errors.Errorf("subdomain %q contains invalid characters", name)
	}
	if reservedSubdomains[ascii] {
		return "", errors.Errorf("subdomain %q is reserved", name)
	}
	return ascii, nil
}

// ValidateLocalAddress checks the host/port pair an agent intends to
// forward to.
func ValidateLocalAddress(host string, port int) error {
	if host == "" {
		return errors.New("local host must not be empty")
	}
	if port < 1 || port > 65535 {
		return errors.Errorf("local port %d out of range", port)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return errors.Wrapf(err, "local host %q is not a valid hostname", host)
	}
	return nil
}
