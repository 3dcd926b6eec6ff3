package payments

import (
	"net/url"
	"strings"
)

// RedirectOutcome classifies a navigation observed on the embedded payment page.
type RedirectOutcome int

const (
	// RedirectContinue means the URL is not ours and loading should go on.
	RedirectContinue RedirectOutcome = iota
	RedirectSuccess
	RedirectCancelled
)

func (o RedirectOutcome) String() string {
	switch o {
	case RedirectSuccess:
		return "success"
	case RedirectCancelled:
		return "cancelled"
	}
	return "continue"
}

// ClassifyRedirect treats rawURL as untrusted input. A URL on resultDomain (or
// a subdomain of it) with status=success or status=sandbox is a success, any
// other URL on that domain is a cancellation. Everything else continues.
func ClassifyRedirect(resultDomain, rawURL string) RedirectOutcome {
	domain := strings.ToLower(strings.TrimSpace(resultDomain))
	if domain == "" {
		return RedirectContinue
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return RedirectContinue
	}
	host := strings.ToLower(u.Hostname())
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return RedirectContinue
	}
	switch strings.ToLower(u.Query().Get("status")) {
	case "success", "sandbox":
		return RedirectSuccess
	}
	return RedirectCancelled
}
