package registry

import "sync"

// The advertised host is the address remote clients are told to call back
// on. It is process-wide: every registry created in the process publishes
// entries under it.
var advertised struct {
	mu   sync.Mutex
	host string
}

func AdvertisedHost() string {
	advertised.mu.Lock()
	defer advertised.mu.Unlock()
	return advertised.host
}

func SetAdvertisedHost(host string) {
	advertised.mu.Lock()
	defer advertised.mu.Unlock()
	advertised.host = host
}

func ClearAdvertisedHost() {
	SetAdvertisedHost("")
}

// setAdvertisedHostIfUnset reports whether it stored host.
func setAdvertisedHostIfUnset(host string) bool {
	if host == "" {
		return false
	}
	advertised.mu.Lock()
	defer advertised.mu.Unlock()
	if advertised.host != "" {
		return false
	}
	advertised.host = host
	return true
}

// clearAdvertisedHostIf clears the setting only while it still holds host.
func clearAdvertisedHostIf(host string) bool {
	advertised.mu.Lock()
	defer advertised.mu.Unlock()
	if advertised.host != host {
		return false
	}
	advertised.host = ""
	return true
}
