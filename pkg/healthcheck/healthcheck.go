// Package healthcheck collects the checks served on /healthcheck and /deepcheck.
package healthcheck

// HealthcheckFunc returns a status message, and whether the check passed.  Checks must not block:
// a dependency is reported on from state a background loop keeps current, never by a roundtrip.
type HealthcheckFunc func() (string, HealthyStatus)

type HealthyStatus bool

const (
	Healthy   = HealthyStatus(true)
	Unhealthy = HealthyStatus(false)
)

// HealthCheckProvider reports if this process can serve traffic.
type HealthCheckProvider interface {
	HealthChecks() []HealthcheckFunc
}

// DeepCheckProvider reports on the dependencies of this process, such as the coordinator.
type DeepCheckProvider interface {
	DeepChecks() []HealthcheckFunc
}

// MaybeAppendHealthChecks appends the checks of every provider which implements
// HealthCheckProvider or DeepCheckProvider.
func MaybeAppendHealthChecks(healthChecks []HealthcheckFunc, deepChecks []HealthcheckFunc, maybeProviders ...interface{}) ([]HealthcheckFunc, []HealthcheckFunc) {
	for _, maybeProvider := range maybeProviders {
		if hcp, ok := maybeProvider.(HealthCheckProvider); ok {
			healthChecks = append(healthChecks, hcp.HealthChecks()...)
		}
		if dcp, ok := maybeProvider.(DeepCheckProvider); ok {
			deepChecks = append(deepChecks, dcp.DeepChecks()...)
		}
	}
	return healthChecks, deepChecks
}

// Report is the outcome of a set of checks.  Both lists are always non-nil so they encode as
// arrays.
type Report struct {
	OK     []string `json:"ok"`
	Failed []string `json:"failed"`
}

// Healthy returns true if no check failed.
func (r Report) Healthy() bool {
	return len(r.Failed) == 0
}

// Run runs every check in order.
func Run(checks []HealthcheckFunc) Report {
	r := Report{
		OK:     []string{},
		Failed: []string{},
	}
	for _, check := range checks {
		msg, status := check()
		if status == Healthy {
			r.OK = append(r.OK, msg)
		} else {
			r.Failed = append(r.Failed, msg)
		}
	}
	return r
}
