package testing

import (
	"math/rand"
	"strings"
)

const charSet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandString generates random lowercase alphanumeric string with 10 symbols length,
// suitable for unique usernames and server names in tests
func RandString() string {
	return RandStringN(10)
}

// RandStringN generates random lowercase alphanumeric string of n symbols
func RandStringN(n int) string {
	var out strings.Builder
	out.Grow(n)
	for i := 0; i < n; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}
