package checkpoint

import (
	"fmt"

	"github.com/quarrydb/quarry/go/kernel"
)

// LatestInfo is the published record of the most recent successful
// checkpoint: the transaction it covered and the kernel version which wrote
// it. It is written only at the very end of a successful checkpoint and read
// freely, lock-free, by other subsystems.
type LatestInfo struct {
	CommittedTx kernel.TransactionID
	Kernel      kernel.Version
}

// UnknownLatestInfo is the sentinel before the first successful checkpoint.
var UnknownLatestInfo = LatestInfo{}

// Known reports whether any checkpoint has been published.
func (i LatestInfo) Known() bool { return i != UnknownLatestInfo }

func (i LatestInfo) String() string {
	if !i.Known() {
		return "LatestCheckpointInfo[unknown]"
	}
	return fmt.Sprintf("LatestCheckpointInfo[txId: %d, kernel: %s]", i.CommittedTx.ID, i.Kernel)
}
