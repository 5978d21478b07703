package riot

import (
	"fmt"
	"strings"
)

// Regional routing values used by account-v1 and match-v5.
const (
	RouteAmericas = "americas"
	RouteAsia     = "asia"
	RouteEurope   = "europe"
	RouteSEA      = "sea"
)

var platformRoutes = map[string]string{
	"BR1": RouteAmericas,
	"LA1": RouteAmericas,
	"LA2": RouteAmericas,
	"NA1": RouteAmericas,

	"JP1": RouteAsia,
	"KR":  RouteAsia,

	"EUN1": RouteEurope,
	"EUW1": RouteEurope,
	"ME1":  RouteEurope,
	"RU":   RouteEurope,
	"TR1":  RouteEurope,

	"OC1": RouteSEA,
	"PH2": RouteSEA,
	"SG2": RouteSEA,
	"TH2": RouteSEA,
	"TW2": RouteSEA,
	"VN2": RouteSEA,
}

// RouteFor returns the regional route serving platform (case-insensitive).
func RouteFor(platform string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(platform))
	if r, ok := platformRoutes[p]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown platform %q", platform)
}

// ValidPlatform reports whether platform has a known route.
func ValidPlatform(platform string) bool {
	_, err := RouteFor(platform)
	return err == nil
}
