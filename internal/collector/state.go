package collector

// State is a position in the collector cycle.
type State int32

const (
	Connecting State = iota
	Reading
	Parsing
	Storing
	Sleeping
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Reading:
		return "reading"
	case Parsing:
		return "parsing"
	case Storing:
		return "storing"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
