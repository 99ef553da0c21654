package access

import (
	"net/mail"
	"net/url"
	"strings"
)

const (
	emailVisiblePrefix = 2
	emailRedaction     = "**"
)

// MaskEmail keeps a short prefix of the local part and the whole domain.
// Anything that does not parse as a bare address is dropped.
func MaskEmail(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", false
	}
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return "", false
	}
	local, domain := trimmed[:at], trimmed[at+1:]
	visible := emailVisiblePrefix
	if len([]rune(local)) <= emailVisiblePrefix {
		visible = 1
	}
	return string([]rune(local)[:visible]) + emailRedaction + "@" + domain, true
}

// HostAllowList admits https URLs whose host is listed exactly.
type HostAllowList struct {
	hosts map[string]struct{}
}

// NewHostAllowList normalizes the trusted hosts.
func NewHostAllowList(hosts []string) HostAllowList {
	allowList := HostAllowList{hosts: make(map[string]struct{}, len(hosts))}
	for _, host := range hosts {
		normalized := strings.ToLower(strings.TrimSpace(host))
		if normalized != "" {
			allowList.hosts[normalized] = struct{}{}
		}
	}
	return allowList
}

// Filter returns the URL when trusted.
func (allowList HostAllowList) Filter(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme != "https" || parsed.User != nil {
		return "", false
	}
	if _, ok := allowList.hosts[strings.ToLower(parsed.Hostname())]; !ok {
		return "", false
	}
	if port := parsed.Port(); port != "" && port != "443" {
		return "", false
	}
	return parsed.String(), true
}
