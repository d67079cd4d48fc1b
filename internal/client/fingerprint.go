package client

import (
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes stable characteristics of the machine. It identifies a
// device for cart ownership only and is not a security boundary.
func Fingerprint() string {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	zone, _ := time.Now().Zone()

	return fingerprintOf(
		runtime.GOOS,
		runtime.GOARCH,
		host,
		username,
		zone,
		os.Getenv("LANG"),
	)
}

func fingerprintOf(parts ...string) string {
	sum := xxhash.Sum64String(strings.Join(parts, "\x00"))
	return strconv.FormatUint(sum, 16)
}
