package degradation

// DegradationLevel represents the severity of degradation
type DegradationLevel int

const (
	LevelNone     DegradationLevel = iota
	LevelMinor                     // One category missing
	LevelModerate                  // Up to half the categories missing
	LevelSevere                    // More than half missing
)

func (d DegradationLevel) String() string {
	switch d {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// LevelFor grades how much of the source set is missing.
func LevelFor(degraded, total int) DegradationLevel {
	switch {
	case degraded <= 0 || total <= 0:
		return LevelNone
	case degraded == 1 && total > 2:
		return LevelMinor
	case degraded*2 <= total:
		return LevelModerate
	default:
		return LevelSevere
	}
}
