package watchdog

// Threshold is a warning level announced during a grace period.
type Threshold struct {
	Seconds uint64
	Label   string
}

// Thresholds must stay sorted ascending by Seconds.
var Thresholds = []Threshold{
	{60, "1 minute"},
	{120, "2 minutes"},
	{180, "3 minutes"},
	{240, "4 minutes"},
	{300, "5 minutes"},
	{600, "10 minutes"},
	{900, "15 minutes"},
	{1800, "30 minutes"},
	{3600, "1 hour"},
	{7200, "2 hours"},
}

// ThresholdFor returns the smallest threshold strictly greater than
// secondsUntil, or the largest threshold when none is.
func ThresholdFor(secondsUntil uint64) Threshold {
	for _, t := range Thresholds {
		if t.Seconds > secondsUntil {
			return t
		}
	}
	return Thresholds[len(Thresholds)-1]
}
