package netmon

import "time"

// Quality is a coarse estimate of link quality.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// RTT thresholds between quality classes.
const (
	ExcellentRTT = 100 * time.Millisecond
	GoodRTT      = 300 * time.Millisecond
	FairRTT      = time.Second
)

// ClassifyQuality derives a Quality from the link's effective type and the measured round trip.
// A zero rtt means no measurement. Effective types follow the Network Information API names
// ("slow-2g", "2g", "3g", "4g"); an empty type means the platform does not say.
func ClassifyQuality(effectiveType string, rtt time.Duration) Quality {
	switch effectiveType {
	case "slow-2g", "2g":
		return QualityPoor
	}

	var q Quality
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt < ExcellentRTT:
		q = QualityExcellent
	case rtt < GoodRTT:
		q = QualityGood
	case rtt < FairRTT:
		q = QualityFair
	default:
		q = QualityPoor
	}

	if effectiveType == "3g" && (q == QualityExcellent || q == QualityGood) {
		return QualityFair
	}
	return q
}
