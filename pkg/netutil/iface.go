// Package netutil resolves the global-unicast IPv4 address bound to a
// network interface, used by the Loader/Attach component to log which
// address the classifier is about to start observing traffic for.
package netutil

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ResolveInterfaceIPv4 returns the interface's global unicast IPv4
// address for logging purposes, or "" if one can't be determined
// unambiguously. Failures are logged and swallowed rather than
// returned: an unresolved address is a diagnostic inconvenience, not a
// reason to fail an XDP attach.
func ResolveInterfaceIPv4(ifaceName string) string {
	ip, err := resolveInterfaceIPv4(ifaceName)
	if err != nil {
		logrus.WithField("interface", ifaceName).Warn(errors.Wrap(err, "unable to resolve global unicast ipv4 address from interface"))
		return ""
	}
	return ip
}

func resolveInterfaceIPv4(ifaceName string) (string, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return "", err
	}
	if iface.Flags&net.FlagUp == 0 {
		return "", fmt.Errorf("the interface %s is not up", ifaceName)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}

	var globalUnicasts []string
	for _, addr := range addrs {
		ip, _, err := net.ParseCIDR(addr.String())
		if err != nil {
			return "", errors.Wrapf(err, "unable to parse CIDR for interface %s", iface.Name)
		}
		if v4 := ip.To4(); v4 != nil && ip.IsGlobalUnicast() {
			globalUnicasts = append(globalUnicasts, v4.String())
		}
	}

	switch len(globalUnicasts) {
	case 0:
		return "", fmt.Errorf("no global unicast ipv4 address on interface %s", ifaceName)
	case 1:
		return globalUnicasts[0], nil
	default:
		return "", fmt.Errorf("multiple global unicast ipv4 addresses on %s: %v", ifaceName, globalUnicasts)
	}
}
