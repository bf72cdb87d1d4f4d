package scanner

import (
	"regexp"
)

// heuristic is one local detection rule. The phase-1 verdict is a pure
// function of file content: no network, no clock, no state.
type heuristic struct {
	name    string
	reason  string
	pattern *regexp.Regexp
}

var heuristics = []heuristic{
	{
		name:    "shell-exec",
		reason:  "executes shell or system commands",
		pattern: regexp.MustCompile(`(?i)\b(os\.system|subprocess\.(run|call|check_output|check_call|Popen)|os\.popen|os\.exec[a-z]*|pty\.spawn|commands\.getoutput)\s*\(`),
	},
	{
		name:    "dynamic-eval",
		reason:  "evaluates dynamically constructed code",
		pattern: regexp.MustCompile(`(?i)\b(eval|exec|compile)\s*\(\s*(base64|codecs|bytes\.fromhex|chr\(|__import__)`),
	},
	{
		name:    "fs-escape",
		reason:  "accesses paths outside the workspace root",
		pattern: regexp.MustCompile(`(["'])(/etc/|/proc/|/sys/|/root/|/home/|/var/|~/)|\.\./\.\.`),
	},
	{
		name:    "host-files",
		reason:  "touches the protected host_files subtree",
		pattern: regexp.MustCompile(`(?i)host_files`),
	},
	{
		name:    "workspace-delete",
		reason:  "deletes or rewrites the workspace tree",
		pattern: regexp.MustCompile(`(?i)\b(shutil\.rmtree|os\.removedirs|os\.rmdir)\s*\(\s*["']?(\.|/|\.\.)`),
	},
	{
		name:    "privilege-escalation",
		reason:  "attempts privilege escalation",
		pattern: regexp.MustCompile(`(?i)\b(setuid|setgid|sudo\s|/etc/sudoers|/etc/shadow)`),
	},
}

// LocalVerdict applies the deterministic phase-1 rules to file content.
// Returns (verdict, true) when a rule matched, (zero, false) when the local
// phase is inconclusive and the remote classifier must decide.
func LocalVerdict(content []byte) (Verdict, bool) {
	for _, h := range heuristics {
		if h.pattern.Match(content) {
			return Malicious(h.reason), true
		}
	}
	return Verdict{}, false
}
