package coordinator

import (
	"os"
	"path/filepath"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// computeIdentity derives the coordinator's MasterIdentity (§4.6): a
// human-readable name from the host and absolute basedir, and an
// incarnation token that changes on every process start so a worker can
// tell a restarted coordinator from the one it last attached to.
func computeIdentity(basedir string, bootTimeSec int64) (coordmodel.MasterIdentity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return coordmodel.MasterIdentity{}, err
	}
	abs, err := filepath.Abs(basedir)
	if err != nil {
		return coordmodel.MasterIdentity{}, err
	}
	return coordmodel.MasterIdentity{
		Hostname:    hostname,
		BaseDir:     abs,
		PID:         os.Getpid(),
		BootTimeSec: bootTimeSec,
	}, nil
}
