package audit

import "math"

// Base risk scores per event type. Unknown event types score the default:
// an unrecognized privileged operation is worth noticing but not alarming.
var baseScores = map[EventType]int{
	EventLogin:          10,
	EventLogout:         5,
	EventAccessPHI:      30,
	EventModifyPHI:      40,
	EventDeletePHI:      60,
	EventExportPHI:      70,
	EventPrintPHI:       50,
	EventAuthFailure:    50,
	EventConfigChange:   80,
	EventUserManagement: 60,
	EventBackupRestore:  90,
}

const (
	defaultBaseScore = 20
	failurePenalty   = 20
	phiPenalty       = 15

	highRiskThreshold = 70
	alertThreshold    = 80
)

// Role multipliers: lower-privilege roles touching sensitive data score
// higher. An unknown role is treated as slightly worse than a known
// low-privilege one.
var roleMultipliers = map[string]float64{
	"patient":      1.5,
	"receptionist": 1.3,
	"nurse":        1.1,
	"doctor":       1.0,
	"admin":        0.9,
	"super_admin":  0.8,
}

const unknownRoleMultiplier = 1.2

// RiskScore is a pure function of its inputs: recomputing it from a
// recorded event's fields reproduces the stored score exactly.
func RiskScore(eventType EventType, result Result, phiAccessed bool, actorRole string) int {
	score, ok := baseScores[eventType]
	if !ok {
		score = defaultBaseScore
	}
	if result == ResultFailure {
		score += failurePenalty
	}
	if phiAccessed {
		score += phiPenalty
	}

	mult, ok := roleMultipliers[actorRole]
	if !ok {
		mult = unknownRoleMultiplier
	}
	score = int(math.Round(float64(score) * mult))

	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// complianceFlags derives the regulatory flags for an event.
func complianceFlags(eventType EventType, phiAccessed bool, riskScore int) ComplianceFlags {
	_, audited := baseScores[eventType]
	return ComplianceFlags{
		HIPAA:    audited,
		GDPR:     phiAccessed || eventType == EventDeletePHI || eventType == EventExportPHI,
		HighRisk: riskScore > highRiskThreshold,
	}
}

// resourceClassifications maps resource types to data classification
// levels, used when sanitizing metadata for the ledger.
var resourceClassifications = map[string]string{
	"patient":        "restricted",
	"medical_record": "restricted",
	"prescription":   "restricted",
	"lab_result":     "restricted",
	"diagnosis":      "restricted",
	"billing":        "confidential",
	"insurance":      "confidential",
	"appointment":    "confidential",
	"hospital":       "internal",
	"user":           "internal",
	"report":         "internal",
	"public":         "public",
}

// ClassifyResource returns the data classification for a resource type,
// defaulting to internal.
func ClassifyResource(resourceType string) string {
	if c, ok := resourceClassifications[resourceType]; ok {
		return c
	}
	return "internal"
}
