package privacy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/bryanwahyu/scanvault/internal/domain/privacy"
)

type detector struct {
	re    *regexp.Regexp
	title string
	// check filters regex matches that are not real hits
	check func(match string) bool
}

var detectors = []detector{
	{re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), title: "email address"},
	{re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), title: "social security number", check: validSSN},
	{re: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), title: "payment card number", check: luhn},
	{re: regexp.MustCompile(`(?:\+|\b)\d{1,3}[ .-]?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`), title: "phone number"},
	{re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`), title: "private key material"},
	{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), title: "AWS access key"},
	{re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{20,}`), title: "GitHub token"},
	{re: regexp.MustCompile(`://[^\s/:@]+:[^\s/@]+@`), title: "credentials embedded in URL"},
}

// PatternGate is the built-in detector. Emails in AllowDomains (for example
// the CI signer's domain) are not counted.
type PatternGate struct {
	AllowDomains []string
	// MaxFindings caps the findings listed per artifact.
	MaxFindings int
}

func (g PatternGate) Screen(ctx context.Context, a privacy.Artifact) (privacy.Result, error) {
	if err := ctx.Err(); err != nil {
		return privacy.Result{}, err
	}
	content := string(a.Content)
	limit := g.MaxFindings
	if limit <= 0 {
		limit = 10
	}

	var findings []string
	seen := map[string]bool{}
	for _, d := range detectors {
		for _, m := range d.re.FindAllString(content, -1) {
			if d.check != nil && !d.check(m) {
				continue
			}
			if d.title == "email address" && g.allowed(m) {
				continue
			}
			if !seen[d.title] {
				seen[d.title] = true
				findings = append(findings, d.title)
			}
			break
		}
		if len(findings) >= limit {
			break
		}
	}

	if len(findings) == 0 {
		return privacy.Result{Verdict: privacy.VerdictPass}, nil
	}
	return privacy.Result{
		Verdict:  privacy.VerdictFail,
		Reason:   fmt.Sprintf("detected %s", strings.Join(findings, ", ")),
		Findings: findings,
	}, nil
}

func (g PatternGate) allowed(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range g.AllowDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "@"))
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
}

// luhn validates a payment card number candidate.
func luhn(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

var _ privacy.Gate = PatternGate{}
