// Package stringutil contains small string helpers shared across packages.
package stringutil

import (
	"strings"
)

// SliceContains returns true if s is present in slice, ignoring case.
func SliceContains(slice []string, s string) bool {
	for _, v := range slice {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
