package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 20000-20999: System & Common errors
// 21000-21999: Slot & session errors
// 22000-22999: Workspace & archive errors
// 23000-23999: Security scanning errors
// 24000-24999: Process execution errors
// 25000-25999: Auto-fix & generation errors
// 26000-26999: Notification & delivery errors

const (
	// ========== System & Common Errors (20000-20999) ==========

	// Success
	Success ErrorCode = 20000

	// Generic errors (20000-20099)
	InternalServerError ErrorCode = 20001
	InvalidParams       ErrorCode = 20002
	NotFound            ErrorCode = 20003
	Unauthorized        ErrorCode = 20004
	Forbidden           ErrorCode = 20005
	TooManyRequests     ErrorCode = 20006
	ServiceUnavailable  ErrorCode = 20007
	Timeout             ErrorCode = 20008

	// Database errors (20100-20199)
	DatabaseError  ErrorCode = 20100
	RecordNotFound ErrorCode = 20101

	// Cache errors (20200-20299)
	CacheError ErrorCode = 20200

	// Validation errors (20300-20399)
	ValidationFailed   ErrorCode = 20300
	InvalidFormat      ErrorCode = 20301
	RequiredFieldEmpty ErrorCode = 20302

	// ========== Slot & Session Errors (21000-21999) ==========

	SlotsExhausted   ErrorCode = 21000
	SlotNotFound     ErrorCode = 21001
	SlotNotRunning   ErrorCode = 21002
	SlotBusy         ErrorCode = 21003
	InvalidSlotState ErrorCode = 21004
	SessionExpired   ErrorCode = 21005
	TenantNotFound   ErrorCode = 21006

	// ========== Workspace & Archive Errors (22000-22999) ==========

	PathTraversal     ErrorCode = 22000
	ArchiveTooLarge   ErrorCode = 22001
	ExtractionFailed  ErrorCode = 22002
	InvalidArchive    ErrorCode = 22003
	TooManyEntries    ErrorCode = 22004
	EntryFileNotFound ErrorCode = 22005
	WorkspaceTornDown ErrorCode = 22006
	FileTooLarge      ErrorCode = 22007

	// ========== Security Scanning Errors (23000-23999) ==========

	ScanServiceUnavailable ErrorCode = 23000
	ScanTimeout            ErrorCode = 23001
	MaliciousFileDetected  ErrorCode = 23002
	FileQuarantined        ErrorCode = 23003

	// ========== Process Execution Errors (24000-24999) ==========

	ProcessLaunchFailed  ErrorCode = 24000
	ProcessTimeout       ErrorCode = 24001
	ProcessAlreadyExited ErrorCode = 24002
	ProcessStopFailed    ErrorCode = 24003
	DependencyInstall    ErrorCode = 24004

	// ========== Auto-fix & Generation Errors (25000-25999) ==========

	FixAttemptsExhausted ErrorCode = 25000
	GenerationFailed     ErrorCode = 25001
	FixRequestFailed     ErrorCode = 25002
	ErrorCheckFailed     ErrorCode = 25003

	// ========== Notification & Delivery Errors (26000-26999) ==========

	NotificationDeliveryFailed ErrorCode = 26000
	AuditAppendFailed          ErrorCode = 26001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Slot & session
	SlotsExhausted:   "All slots for this tenant are in use",
	SlotNotFound:     "Slot not found",
	SlotNotRunning:   "Slot has no running process",
	SlotBusy:         "Slot is busy with another operation",
	InvalidSlotState: "Operation not allowed in current slot state",
	SessionExpired:   "Upload session has expired",
	TenantNotFound:   "Tenant not found",

	// Workspace & archive
	PathTraversal:     "Archive entry escapes the workspace root",
	ArchiveTooLarge:   "Archive exceeds the configured size limit",
	ExtractionFailed:  "Archive extraction failed",
	InvalidArchive:    "Corrupted or invalid archive",
	TooManyEntries:    "Archive contains too many entries",
	EntryFileNotFound: "Entry file not found in workspace",
	WorkspaceTornDown: "Workspace has been torn down",
	FileTooLarge:      "File exceeds the configured size limit",

	// Security scanning
	ScanServiceUnavailable: "Security scan service unavailable",
	ScanTimeout:            "Security scan timed out",
	MaliciousFileDetected:  "Malicious file detected",
	FileQuarantined:        "File has been quarantined",

	// Process execution
	ProcessLaunchFailed:  "Failed to launch process",
	ProcessTimeout:       "Process exceeded its time limit",
	ProcessAlreadyExited: "Process has already exited",
	ProcessStopFailed:    "Failed to stop process",
	DependencyInstall:    "Dependency installation failed",

	// Auto-fix & generation
	FixAttemptsExhausted: "Auto-fix attempt limit reached",
	GenerationFailed:     "Code generation failed",
	FixRequestFailed:     "Fix request failed",
	ErrorCheckFailed:     "Console error evaluation failed",

	// Notification & delivery
	NotificationDeliveryFailed: "Notification delivery failed",
	AuditAppendFailed:          "Failed to append audit entry",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == SlotNotFound, c == TenantNotFound, c == EntryFileNotFound, c == RecordNotFound:
		return 404
	case c == SlotsExhausted, c == SlotBusy, c == InvalidSlotState:
		return 409
	case c == ArchiveTooLarge, c == FileTooLarge:
		return 413
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == ScanServiceUnavailable:
		return 503
	case c >= 20300 && c < 20400:
		return 400
	case c == InvalidParams, c == PathTraversal, c == InvalidArchive, c == TooManyEntries:
		return 400
	default:
		return 500
	}
}
