package push

import (
	"errors"
	"net/netip"
	"net/url"
	"strings"

	"realtime-service/internal/models"
)

var ErrInvalidEndpoint = errors.New("invalid push endpoint")

// ValidateEndpoint checks a client supplied endpoint before it is stored.
// Web push endpoints are fetched server side, so they must be public https URLs.
func ValidateEndpoint(kind models.PushKind, endpoint string) error {
	switch kind {
	case models.PushKindWebPush:
		return validateWebPushURL(endpoint)
	case models.PushKindExpo:
		if strings.TrimSpace(endpoint) == "" || strings.ContainsAny(endpoint, " \t\r\n") {
			return ErrInvalidEndpoint
		}
		return nil
	default:
		return ErrInvalidEndpoint
	}
}

func validateWebPushURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ErrInvalidEndpoint
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ErrInvalidEndpoint
	}
	if addr, err := netip.ParseAddr(host); err == nil && !publicAddr(addr.Unmap()) {
		return ErrInvalidEndpoint
	}
	return nil
}

func publicAddr(addr netip.Addr) bool {
	return !addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}
