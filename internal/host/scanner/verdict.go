package scanner

// VerdictKind classifies a scanned file.
type VerdictKind string

const (
	// VerdictSafe means both phases cleared the file.
	VerdictSafe VerdictKind = "safe"
	// VerdictMalicious means a phase flagged the file.
	VerdictMalicious VerdictKind = "malicious"
	// VerdictUnknown means the classifier failed or timed out.
	// Unknown gates execution exactly like Malicious (fail-closed).
	VerdictUnknown VerdictKind = "unknown"
)

// Verdict is the classification outcome of a file scan.
type Verdict struct {
	Kind   VerdictKind `json:"kind"`
	Reason string      `json:"reason"`
}

// Blocks reports whether the verdict prevents execution. Only an explicit
// Safe verdict allows a file through.
func (v Verdict) Blocks() bool {
	return v.Kind != VerdictSafe
}

// Safe is a convenience constructor.
func Safe() Verdict {
	return Verdict{Kind: VerdictSafe}
}

// Malicious is a convenience constructor.
func Malicious(reason string) Verdict {
	return Verdict{Kind: VerdictMalicious, Reason: reason}
}

// Unknown is a convenience constructor.
func Unknown(reason string) Verdict {
	return Verdict{Kind: VerdictUnknown, Reason: reason}
}
