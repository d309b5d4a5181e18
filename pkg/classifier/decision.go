package classifier

import "github.com/isala404/scale-to-zero-ebpf/pkg/table"

// Action is the classifier's packet verdict, mirroring the XDP actions
// the kernel program returns (XDP_PASS / XDP_DROP).
type Action int

const (
	ActionPass Action = iota
	ActionDrop
)

// Decide is a pure-Go restatement of classifier.c's lookup decision
// (spec.md §4.1, steps 4-5). It is never on the packet hot path — the
// kernel program is the single source of truth there — and exists only
// so the decision table has a test-observable, dry-run-inspectable
// form without requiring a live kernel attachment.
//
// present reports whether dst was a key in ServiceAvailability at all;
// available is the looked-up flag when present is true.
func Decide(dst uint32, present, available bool) (Action, *table.WakeEvent) {
	if !present {
		return ActionPass, nil
	}
	if !available {
		return ActionDrop, &table.WakeEvent{IPv4Address: dst, Action: table.ActionDropTriggered}
	}
	return ActionPass, &table.WakeEvent{IPv4Address: dst, Action: table.ActionObservedLive}
}
