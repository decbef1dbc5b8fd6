package sync

import "time"

// Action is what reconciliation does with one tracked folder.
type Action int

const (
	ActionNoop Action = iota
	ActionDownload
	ActionUpload
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionNoop:
		return "noop"
	case ActionDownload:
		return "download"
	case ActionUpload:
		return "upload"
	case ActionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// position of a timestamp relative to the last successful sync
type position int

const (
	behind position = iota
	even
	ahead
)

func positionOf(synced, t time.Time) position {
	s, v := synced.Unix(), t.Unix()
	switch {
	case v > s:
		return ahead
	case v < s:
		return behind
	default:
		return even
	}
}

// Decide compares local and cloud against synced independently, at one second
// resolution. Local and cloud are never compared with each other. A zero local time means the folder does not exist locally.
//
//	local   cloud   action
//	ahead   ahead   conflict
//	ahead   -       upload
//	-       ahead   download
//	-       -       noop
func Decide(synced, local, cloud time.Time) Action {
	l, c := positionOf(synced, local), positionOf(synced, cloud)

	switch [2]position{l, c} {
	case [2]position{ahead, ahead}:
		return ActionConflict
	case [2]position{ahead, even}, [2]position{ahead, behind}:
		return ActionUpload
	case [2]position{even, ahead}, [2]position{behind, ahead}:
		return ActionDownload
	default:
		return ActionNoop
	}
}
