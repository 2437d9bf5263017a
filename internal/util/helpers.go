// Package util holds small helpers shared by the sync packages.
package util

import (
	"slices"
	"strings"
)

var internalSuffixes = []string{".local", ".internal", ".onion", ".localhost"}

// IsInternalHost reports hosts on private name suffixes that a cache server
// URL must not point at.
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// IsLoopbackHost reports localhost names and loopback literals.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// GetTagValue returns the value of the first tag named name, or "".
func GetTagValue(tags [][]string, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// SortedCopy returns a sorted copy of s, leaving s untouched. Nil for
// empty input.
func SortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

// FilterSlice keeps the items for which keep returns true.
func FilterSlice[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
