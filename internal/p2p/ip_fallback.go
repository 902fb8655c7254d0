package p2p

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ipLookupServices mirrors the multi-provider fallback list: any one of
// these being unreachable (or behind a captive portal, or rate limiting)
// shouldn't fail public IP discovery outright.
var ipLookupServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

var ipLookupClient = &http.Client{Timeout: 5 * time.Second}

// discoverPublicIP tries each configured service in turn and returns the
// first usable answer.
func discoverPublicIP() (net.IP, error) {
	var lastErr error
	for _, service := range ipLookupServices {
		ip, err := fetchPublicIP(service)
		if err != nil {
			lastErr = err
			continue
		}
		return ip, nil
	}
	return nil, fmt.Errorf("p2p: failed to discover public ip from any service: %w", lastErr)
}

func fetchPublicIP(url string) (net.IP, error) {
	resp, err := ipLookupClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(body))
	ip := net.ParseIP(text)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip response from %s: %q", url, text)
	}
	return ip, nil
}
