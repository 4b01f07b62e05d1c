package logger

// Standard field names for structured logging. Use these so the same concept
// is always logged under the same key.
const (
	FieldComponent = "component"
	FieldError     = "error"

	// Track domain
	FieldFlightID  = "flight_id"
	FieldSource    = "source"
	FieldTimestamp = "ts"
	FieldPartition = "partition"

	// Volume domain
	FieldVolumeID  = "volume_id"
	FieldState     = "state"
	FieldFromState = "from"
	FieldToState   = "to"
	FieldVersion   = "version"

	// Lease domain
	FieldToken     = "token"
	FieldExpiresAt = "expires_at"
	FieldAttempt   = "attempt"

	// Alerts
	FieldAlertKind = "alert_kind"
	FieldAlertID   = "alert_id"

	// Transport
	FieldSubject  = "subject"
	FieldDuration = "duration"
	FieldCount    = "count"
	FieldPath     = "path"
	FieldAddr     = "addr"
)
