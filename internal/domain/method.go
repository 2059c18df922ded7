package domain

import "strings"

// Method selects the interpolation algorithm.
type Method string

const (
	MethodLinear Method = "linear"
	MethodIDW    Method = "idw"
	// MethodKriging is a gaussian RBF. The label is kept for compatibility with
	// existing records and job producers.
	MethodKriging Method = "kriging"
)

// ParseMethod accepts the canonical labels plus "gaussian" and "gaussian-rbf"
// as aliases for MethodKriging.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear", "linear-rbf":
		return MethodLinear, nil
	case "idw":
		return MethodIDW, nil
	case "kriging", "gaussian", "gaussian-rbf":
		return MethodKriging, nil
	default:
		return "", InvalidParameterf("unknown interpolation method %q", s)
	}
}

// Valid reports whether m is one of the canonical methods.
func (m Method) Valid() bool {
	switch m {
	case MethodLinear, MethodIDW, MethodKriging:
		return true
	}
	return false
}
