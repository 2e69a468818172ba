package classifier

import (
	"regexp"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// signature is one precompiled detection rule. Go's regexp is RE2, so every
// signature matches in time linear in the scanned input.
type signature struct {
	category string
	name     string
	severity model.Severity
	re       *regexp.Regexp
}

type signatureDef struct {
	category string
	name     string
	severity model.Severity
	expr     string
}

var defaultSignatures = []signatureDef{
	// instruction manipulation
	{"instruction", "ignore instructions", model.SeverityHigh, `ignore\s+(?:all\s+)?(?:the\s+)?(?:previous|above|prior)?\s*instructions?`},
	{"instruction", "disregard instructions", model.SeverityHigh, `disregard\s+(?:all\s+)?(?:the\s+)?(?:previous|above|prior)?\s*(?:instructions?|rules?|prompts?)`},
	{"instruction", "forget instructions", model.SeverityHigh, `forget\s+(?:all\s+)?(?:previous|everything|above)`},
	{"instruction", "override instructions", model.SeverityHigh, `override\s+(?:all\s+)?(?:previous|system)\s+(?:instructions?|rules?)`},

	// role manipulation
	{"role", "role change", model.SeverityHigh, `you\s+are\s+now\s+(?:a|an)\s+\w+`},
	{"role", "suspicious role assignment", model.SeverityHigh, `you\s+are\s+(?:a|an)\s+(?:helpful\s+)?(?:hacker|attacker|admin|root|system)`},
	{"role", "act as", model.SeverityHigh, `act\s+as\s+(?:a|an)\s+\w+`},
	{"role", "pretend to be", model.SeverityHigh, `pretend\s+(?:you|to)\s+(?:are|be)\s+(?:a|an)?\s*\w+`},
	{"role", "roleplay", model.SeverityHigh, `roleplay\s+as\s+(?:a|an)?\s*\w+`},

	// data exfiltration
	{"exfiltration", "send to url", model.SeverityHigh, `(?:send|post|export|transmit)\s+.{0,50}\s+to\s+https?://`},
	{"exfiltration", "curl to url", model.SeverityHigh, `curl\s+.*?https?://`},
	{"exfiltration", "wget to url", model.SeverityHigh, `wget\s+.*?https?://`},

	// system prompt extraction
	{"system_prompt", "reveal system prompt", model.SeverityHigh, `(?:show|reveal|display|print|repeat|tell\s+me)\s+(?:me\s+)?(?:your|the)?\s*(?:system|initial|original)\s+(?:prompt|instructions?)`},
	{"system_prompt", "query system prompt", model.SeverityHigh, `what\s+(?:are|were|is|was)\s+your\s+(?:original|initial|system)\s+(?:prompt|instructions?)`},

	// injection markers
	{"marker", "system tag", model.SeverityHigh, `<\s*system\s*>`},
	{"marker", "system prefix", model.SeverityHigh, `(?m)^\s*system\s*:`},
	{"marker", "end of text marker", model.SeverityMedium, `<\s*\|endoftext\|\s*>`},
	{"marker", "instruction delimiter", model.SeverityMedium, `###\s*instruction`},

	// encoding and code execution
	{"encoding", "base64 call", model.SeverityMedium, `base64\s*\(`},
	{"encoding", "eval call", model.SeverityHigh, `\beval\s*\(`},
	{"encoding", "exec call", model.SeverityHigh, `\bexec\s*\(`},
	{"encoding", "hex escape", model.SeverityMedium, `(?:\\x[0-9a-f]{2}){2,}`},
	{"encoding", "unicode escape", model.SeverityMedium, `(?:\\u[0-9a-f]{4}){2,}`},

	// SQL injection
	{"sql", "tautology", model.SeverityHigh, `'\s*(?:or|and)\s+'?\w+'?\s*=\s*'?\w+`},
	{"sql", "union select", model.SeverityHigh, `union\s+(?:all\s+)?select\b`},
	{"sql", "stacked statement", model.SeverityHigh, `;\s*(?:drop|delete|truncate|alter|insert|update)\s+`},
	{"sql", "comment terminator", model.SeverityMedium, `'\s*(?:--|#|/\*)`},

	// command injection
	{"command", "shell chaining", model.SeverityHigh, `(?:;|&&|\|\|)\s*(?:rm|cat|curl|wget|nc|bash|sh|python|chmod|chown)\b`},
	{"command", "command substitution", model.SeverityHigh, `\$\([^)]*\)|` + "`[^`]*`"},
	{"command", "destructive command", model.SeverityHigh, `\brm\s+-[a-z]*r[a-z]*f?\s+/`},

	// path traversal
	{"path", "dot-dot traversal", model.SeverityHigh, `(?:\.\./|\.\.\\){2,}|(?:%2e%2e(?:%2f|%5c))`},
	{"path", "sensitive file", model.SeverityHigh, `/etc/(?:passwd|shadow|sudoers)|\.ssh/(?:id_rsa|authorized_keys)`},

	// suspicious keywords
	{"suspicious", "jailbreak", model.SeverityMedium, `\bjailbreak`},
	{"suspicious", "bypass security", model.SeverityMedium, `bypass\s+(?:security|filter|protection)`},
	{"suspicious", "developer mode", model.SeverityLow, `developer\s+mode`},
	{"suspicious", "admin mode", model.SeverityLow, `admin\s+mode`},
}

func compileSignatures(defs []signatureDef) ([]signature, error) {
	out := make([]signature, 0, len(defs))
	for _, s := range defs {
		re, err := regexp.Compile(`(?i)` + s.expr)
		if err != nil {
			return nil, err
		}
		out = append(out, signature{category: s.category, name: s.name, severity: s.severity, re: re})
	}
	return out, nil
}

// scanPatterns reports at most one finding per signature for a value.
func scanPatterns(sigs []signature, location, value string) []model.Finding {
	var findings []model.Finding
	for _, sig := range sigs {
		if !sig.re.MatchString(value) {
			continue
		}
		findings = append(findings, model.Finding{
			Kind:     model.FindingPatternMatch,
			Severity: sig.severity,
			Detail:   sig.category + ": " + sig.name,
			Location: location,
		})
	}
	return findings
}
