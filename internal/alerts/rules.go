package alerts

import "fmt"

// rule is one threshold check on a quantity.
type rule struct {
	typ       Type
	severity  Severity
	title     string
	threshold float64
	above     bool // breach when value > threshold; otherwise value < threshold
}

func (r rule) breached(v float64) bool {
	if r.above {
		return v > r.threshold
	}
	return v < r.threshold
}

func (r rule) message(q Quantity, v float64, unit string) string {
	cmp := "below"
	if r.above {
		cmp = "above"
	}
	if unit != "" {
		return fmt.Sprintf("%s %.2f %s is %s the %.2f %s threshold", q, v, unit, cmp, r.threshold, unit)
	}
	return fmt.Sprintf("%s %.2f is %s the %.2f threshold", q, v, cmp, r.threshold)
}

// ruleTable holds the value rules per quantity. Quantities without rules
// are still valid; they only take part in the communication check.
type ruleTable map[Quantity][]rule

func buildRules(cfg AlertsConfig) ruleTable {
	t := ruleTable{
		Voltage: {
			{typ: LowVoltage, severity: SeverityCritical, title: "Low voltage", threshold: cfg.LowVoltage},
			{typ: HighVoltage, severity: SeverityWarning, title: "High voltage", threshold: cfg.HighVoltage, above: true},
		},
		Temperature: {
			{typ: HighTemperature, severity: SeverityWarning, title: "High temperature", threshold: cfg.HighTemperature, above: true},
		},
		Battery: {
			{typ: LowBattery, severity: SeverityWarning, title: "Low battery", threshold: cfg.LowBattery},
		},
	}
	if cfg.PowerMax > 0 {
		t[Power] = []rule{
			{typ: ThresholdExceeded, severity: SeverityWarning, title: "Power threshold exceeded", threshold: cfg.PowerMax, above: true},
		}
	}
	return t
}

var (
	commErrorRule = rule{typ: CommunicationError, severity: SeverityWarning, title: "Communication error"}
	offlineRule   = rule{typ: DeviceOffline, severity: SeverityCritical, title: "Device offline"}
)
