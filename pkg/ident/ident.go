package ident

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed unique id, e.g. New("thread") -> "thread_<hex>".
// Hyphens are stripped so ids stay safe inside composite map keys.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Typing returns a fresh typing indicator id.
func Typing() string { return New("typ") }

// Thread returns a fresh thread id.
func Thread() string { return New("thread") }

// Reply returns a fresh reply id.
func Reply() string { return New("reply") }
