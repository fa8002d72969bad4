package app

import (
	"os"
	"strconv"
)

// TestModeEnv stops the binaries from dialing external services under go test.
const TestModeEnv = "ODYSSEY_TEST_MODE"

// InTestMode reports whether TestModeEnv holds a true value.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
