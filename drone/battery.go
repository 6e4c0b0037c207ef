package drone

// BatteryModel reports how much charge a tick consumed. The result is never negative.
type BatteryModel interface {
	Drain(metersTraveled, seconds float64) float64
}

// LinearBattery drains a fixed percentage per meter flown and per second aloft.
type LinearBattery struct {
	PerMeter  float64 `json:"drain_per_meter"`
	PerSecond float64 `json:"drain_per_second"`
}

func (b LinearBattery) Drain(metersTraveled, seconds float64) float64 {
	d := b.PerMeter*metersTraveled + b.PerSecond*seconds
	if d < 0 || !finite(d) {
		return 0
	}
	return d
}

// BatteryFunc adapts a function to BatteryModel.
type BatteryFunc func(metersTraveled, seconds float64) float64

func (f BatteryFunc) Drain(metersTraveled, seconds float64) float64 {
	d := f(metersTraveled, seconds)
	if d < 0 || !finite(d) {
		return 0
	}
	return d
}
