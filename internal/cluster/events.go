package cluster

import "github.com/sbcm-osx/sheepdog/internal/model"

// eventKind discriminates the three event variants the group driver
// produces
type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventNotify
)

func (k eventKind) String() string {
	switch k {
	case eventJoin:
		return "join"
	case eventLeave:
		return "leave"
	case eventNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// event is one entry on the serializer FIFO. Phase-A output is carried
// in phaseA's return value, never written here; phase-B runs on the
// main loop and owns the whole struct.
type event struct {
	kind eventKind

	// join
	joined  model.Node
	members []model.Node
	jm      *model.JoinMessage

	// leave
	left model.Node

	// notify
	sender model.Node
	nmsg   *model.NotifyMessage
	req    *PendingOp
}

// phaseAResult carries a phase-A outcome back to phase B
type phaseAResult struct {
	// join: bitmaps fetched from pre-existing members, merged
	bitmap *model.VdiBitmap
	// leave: whether a majority of members answered the probe
	majority bool
}
