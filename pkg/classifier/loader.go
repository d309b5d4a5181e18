package classifier

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/isala404/scale-to-zero-ebpf/pkg/table"
)

// Loader owns the loaded collection and the map handles opened out of
// it by name. Closing it unloads the program and releases both maps.
type Loader struct {
	objs classifierObjects

	ServiceAvailability *table.ServiceAvailability
	WakeEvents          *table.WakeEventReader
}

// PerCPUWakeBufferSize is the per-CPU perf-ring size used to back the
// wake-event reader.
const PerCPUWakeBufferSize = 4096 * 8

// Load removes the kernel's memlock limit (required on kernels without
// cgroup-based accounting), loads the embedded classifier collection,
// and opens the ServiceAvailability and wake_events map handles by
// name. It never attaches to any interface; see AttachToInterface and
// AttachToAllInterfaces.
func Load() (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		logrus.WithError(err).Warn("failed to remove memlock rlimit, continuing anyway")
	}

	var objs classifierObjects
	if err := loadClassifierObjects(&objs, nil); err != nil {
		return nil, errors.Wrap(err, "load classifier bpf objects")
	}

	wakeReader, err := table.NewWakeEventReader(objs.WakeEvents, PerCPUWakeBufferSize)
	if err != nil {
		objs.Close()
		return nil, errors.Wrap(err, "open wake event reader")
	}

	return &Loader{
		objs:                objs,
		ServiceAvailability: table.NewServiceAvailability(objs.ServiceAvailability),
		WakeEvents:          wakeReader,
	}, nil
}

// Program returns the loaded XDP program, for AttachToInterface.
func (l *Loader) Program() *ebpf.Program {
	return l.objs.XdpScaleToZeroFw
}

// Close releases the wake-event reader, the kernel maps, and the
// program. It does not detach any links; callers must close those
// separately (see Attached.Close).
func (l *Loader) Close() error {
	var firstErr error
	if err := l.WakeEvents.Close(); err != nil {
		firstErr = fmt.Errorf("close wake event reader: %w", err)
	}
	if err := l.objs.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close bpf objects: %w", err)
	}
	return firstErr
}
