package util

import (
	"math/rand"
	"strings"
	"time"
)

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyz")

// Randstring returns n random lowercase letters. Used to suffix provider
// resource names so repeated runs never collide.
func Randstring(n int) string {
	rand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

// LastNonEmptyLine returns the last line of out that contains any characters,
// or "" when there is none. Remote command output usually ends with a trailing
// newline, so a plain split-and-take-last is not enough.
func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			return lines[i]
		}
	}
	return ""
}
