package classifier

import (
	"fmt"
	"net"

	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"

	"github.com/isala404/scale-to-zero-ebpf/pkg/netutil"
)

// AttachMode selects the XDP attach flags.
type AttachMode string

const (
	// AttachModeDefault attaches in native driver mode
	// (link.XDPDriverMode); there is no fallback to generic mode.
	AttachModeDefault AttachMode = "default"
	// AttachModeSKB forces generic (SKB) mode, which works on any NIC
	// driver at the cost of performance.
	AttachModeSKB AttachMode = "skb"
	// AttachModeHW offloads the program to the NIC itself, on hardware
	// that supports it.
	AttachModeHW AttachMode = "hw"
)

func (m AttachMode) flags() link.XDPAttachFlags {
	switch m {
	case AttachModeSKB:
		return link.XDPGenericMode
	case AttachModeHW:
		return link.XDPOffloadMode
	default:
		return link.XDPDriverMode
	}
}

// ParseAttachMode validates the --attach-mode CLI value.
func ParseAttachMode(s string) (AttachMode, error) {
	switch AttachMode(s) {
	case AttachModeDefault, AttachModeSKB, AttachModeHW:
		return AttachMode(s), nil
	default:
		return "", fmt.Errorf("unknown attach mode %q, want one of default|skb|hw", s)
	}
}

// Attached is a live XDP attachment; closing it detaches the program.
type Attached struct {
	Interface string
	link      link.Link
}

// Close detaches the program from the interface.
func (a *Attached) Close() error {
	return a.link.Close()
}

// AttachToInterface attaches prog to the named interface with the
// given mode. Attach failure here is returned to the caller; whether it
// is fatal for the whole process is the caller's policy (spec.md §4.7
// says a single-interface failure should be logged, not fatal, when
// attaching to more than one).
func AttachToInterface(l *Loader, ifaceName string, mode AttachMode) (*Attached, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
	}

	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   l.Program(),
		Interface: iface.Index,
		Flags:     mode.flags(),
	})
	if err != nil {
		return nil, fmt.Errorf("attach xdp to %s: %w", ifaceName, err)
	}

	logrus.WithFields(logrus.Fields{
		"interface": ifaceName,
		"ipv4":      netutil.ResolveInterfaceIPv4(ifaceName),
		"mode":      mode,
	}).Info("attached classifier")

	return &Attached{Interface: ifaceName, link: lnk}, nil
}

// AttachToAllInterfaces attaches to every non-loopback, up interface on
// the host. Attach failure on any single interface is logged and
// skipped, never fatal — matching AttachToInterface's per-interface
// contract extended across the whole set.
func AttachToAllInterfaces(l *Loader, mode AttachMode) ([]*Attached, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var attached []*Attached
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		a, err := AttachToInterface(l, iface.Name, mode)
		if err != nil {
			logrus.WithError(err).WithField("interface", iface.Name).Warn("failed to attach classifier, skipping interface")
			continue
		}
		attached = append(attached, a)
	}
	if len(attached) == 0 {
		return nil, fmt.Errorf("failed to attach classifier to any interface")
	}
	return attached, nil
}
