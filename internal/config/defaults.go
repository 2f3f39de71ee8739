// Package config - defaults.go centralizes default values.
//
// DESIGN: Defaults that appear in more than one place are defined here so
// they stay consistent between the daemon, the docs and the tests.
package config

// =============================================================================
// SERVER
// =============================================================================

// DefaultListenAddr is the intake server bind address.
const DefaultListenAddr = ":8484"

// =============================================================================
// STORAGE AND RETENTION
// =============================================================================

// DefaultSQLitePath is where the local store lives when unconfigured.
const DefaultSQLitePath = "cost-guard.db"

// DefaultRetentionDays bounds how long costed task records are kept past
// their execution time. Bins are never purged.
const DefaultRetentionDays = 90

// =============================================================================
// METRICS AND ALARMS
// =============================================================================

// DefaultMetricNamespace is the namespace aggregate cost metrics land in.
const DefaultMetricNamespace = "/quantum/cost-control"

// DefaultAllTimeAlarmName matches the alarm provisioned on the all-time
// aggregate metric.
const DefaultAllTimeAlarmName = "Quantum Task Cost All-Time Aggregate"

// DefaultMonthlyAlarmName matches the alarm provisioned on the monthly
// aggregate metric.
const DefaultMonthlyAlarmName = "Quantum Task Cost Monthly Aggregate"

// =============================================================================
// COST ALLOCATION
// =============================================================================

// DefaultTagKey is the cost allocation tag the spend report filters on.
const DefaultTagKey = "cost-guard"

// ReportTagValue tags the solution's own resources in the spend report.
const ReportTagValue = "QuantumCostGuard/1.0.0"

// ReportServices are the services the spend report always lists, even at
// zero spend.
var ReportServices = []string{
	"Amazon Braket",
	"Amazon DynamoDB",
	"Amazon Simple Storage Service",
	"AmazonCloudWatch",
}
