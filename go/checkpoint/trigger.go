package checkpoint

import "fmt"

// TriggerInfo carries the reason a checkpoint was requested. The coordinator
// treats it opaquely except for producing operator log lines.
type TriggerInfo interface {
	// Describe renders the trigger against the latest checkpoint info known
	// at the time of the request.
	Describe(latest LatestInfo) string
}

type trigger struct {
	reason string
}

func (t trigger) Describe(latest LatestInfo) string {
	if !latest.Known() {
		return fmt.Sprintf("Checkpoint triggered by %q @ txId: unknown", t.reason)
	}
	return fmt.Sprintf("Checkpoint triggered by %q @ txId: %d", t.reason, latest.CommittedTx.ID)
}

// Reason returns the bare reason string, as written into checkpoint records.
func (t trigger) Reason() string { return t.reason }

// Scheduled is the periodic background trigger.
func Scheduled() TriggerInfo { return trigger{reason: "scheduled checkpoint"} }

// ForcedByOperator is an explicit administrative request.
func ForcedByOperator() TriggerInfo { return trigger{reason: "call to checkpoint"} }

// ShutdownTrigger is the final checkpoint taken while stopping the database.
func ShutdownTrigger() TriggerInfo { return trigger{reason: "database shutdown"} }

// BackupBegin marks the consistent point a backup will copy from.
func BackupBegin() TriggerInfo { return trigger{reason: "backup begin"} }

// RecoveryComplete seals a finished recovery so it is not replayed again.
func RecoveryComplete() TriggerInfo { return trigger{reason: "recovery complete"} }

// reasonOf extracts the bare reason when the trigger exposes one, falling
// back to its description.
func reasonOf(info TriggerInfo, latest LatestInfo) string {
	if r, ok := info.(interface{ Reason() string }); ok {
		return r.Reason()
	}
	return info.Describe(latest)
}
