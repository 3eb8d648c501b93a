package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Functions

// TestGeneratePhoneticName verifies length and the strict
// consonant/vowel alternation.
func TestGeneratePhoneticName(t *testing.T) {

	for i := 0; i < 100; i++ {

		name := GeneratePhoneticName(14)
		assert.Len(t, name, 14)

		// Neighbouring characters never come from the same class.
		for j := 1; j < len(name); j++ {

			prevIsVowel := strings.ContainsRune(vowels, rune(name[j-1]))
			curIsVowel := strings.ContainsRune(vowels, rune(name[j]))
			assert.NotEqual(t, prevIsVowel, curIsVowel, "name %s alternation broken at %d", name, j)
		}
	}

	assert.Len(t, GeneratePhoneticName(7), 7)
}

// TestFormatUptime verifies the "N days, HH:MM" rendering.
func TestFormatUptime(t *testing.T) {

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "0 days, 00:00", FormatUptime(start, start))
	assert.Equal(t, "0 days, 02:05", FormatUptime(start, start.Add(2*time.Hour+5*time.Minute)))
	assert.Equal(t, "3 days, 01:30", FormatUptime(start, start.Add(73*time.Hour+30*time.Minute)))
}
