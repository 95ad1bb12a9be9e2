package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// GenerateID returns prefix_ followed by 16 random hex digits.
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateInstanceID names this server process: the host name plus a
// random suffix, so that restarts on the same host get fresh ids.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pepehouse"
	}
	host = strings.ToLower(strings.ReplaceAll(host, ".", "-"))
	return GenerateID(host)
}
