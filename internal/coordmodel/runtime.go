package coordmodel

import (
	"strconv"
	"time"
)

// Change is an ingested source-code change, identified by a monotonically
// assigned integer id. Delivered on the "changes" SubscriptionBus.
type Change struct {
	ChangeID   int64
	Who        string
	Comments   string
	Branch     string
	Revision   string
	Files      []string
	Properties map[string]interface{}
	When       time.Time
}

// Buildset is an identified set of requested builds. Delivered on the
// "buildset_additions" bus when created, and referenced by bsid on the
// "buildset_completion" bus when it finishes.
type Buildset struct {
	BSID       int64
	Reason     string
	SourceStamp map[string]interface{}
	Builders   []string
	Properties map[string]interface{}
	When       time.Time
}

// BuildsetCompletion is delivered on the completion bus.
type BuildsetCompletion struct {
	BSID   int64
	Result int
}

// MasterIdentity identifies one coordinator process: a human-readable pair
// for operators, and an incarnation token that changes on every restart.
type MasterIdentity struct {
	Hostname    string
	BaseDir     string // absolute
	PID         int
	BootTimeSec int64
}

// Name is the human-identification string "hostname:basedir".
func (m MasterIdentity) Name() string {
	return m.Hostname + ":" + m.BaseDir
}

// Incarnation is the "pid<PID>-boot<epoch-seconds>" token distinguishing
// successive runs of the same identity.
func (m MasterIdentity) Incarnation() string {
	return formatIncarnation(m.PID, m.BootTimeSec)
}

func formatIncarnation(pid int, boot int64) string {
	return "pid" + strconv.Itoa(pid) + "-boot" + strconv.FormatInt(boot, 10)
}

// DurableObjectId resolves the pair (class tag, qualified name) to a stable
// integer objectid persisted in the database; see StateStore.GetObjectID.
type DurableObjectId struct {
	ClassTag      string
	QualifiedName string
}

// MasterClassTag is the class tag the coordinator uses to resolve its own
// durable object id.
const MasterClassTag = "master"
