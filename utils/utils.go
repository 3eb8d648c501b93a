package utils

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Variables

var (
	vowels     = "aeiou"
	consonants = "bcdfghjklmnpqrstvwxyz"
)

// Functions

// GeneratePhoneticName returns a pronounceable random identifier of the
// given length by alternating consonants and vowels, starting with
// either at random.
func GeneratePhoneticName(length int) string {

	var b strings.Builder

	start := rand.Intn(2)

	for i := 0; i < length; i++ {

		if i%2 == start {
			b.WriteByte(consonants[rand.Intn(len(consonants))])
		} else {
			b.WriteByte(vowels[rand.Intn(len(vowels))])
		}
	}

	return b.String()
}

// FormatUptime renders the duration between two instants as
// "N days, HH:MM".
func FormatUptime(start time.Time, end time.Time) string {

	delta := end.Sub(start)

	days := int(delta.Hours()) / 24
	hours := int(delta.Hours()) % 24
	minutes := int(delta.Minutes()) % 60

	return fmt.Sprintf("%d days, %02d:%02d", days, hours, minutes)
}

// TryNotifySystemd signals readiness to a supervising systemd when the
// process runs under one. Anywhere else this is a silent no-op.
func TryNotifySystemd(logger log.Logger) {

	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to notify systemd", "err", err)
		return
	}

	if sent {
		level.Info(logger).Log("msg", "notified systemd", "state", daemon.SdNotifyReady)
	}
}
