package app

import "os"

// InTestMode reports whether the binaries should skip runtime startup.
// Integration suites set CONCILIO_TEST_MODE=1 so importing a main package
// under test never binds ports or dials postgres.
func InTestMode() bool {
	return os.Getenv("CONCILIO_TEST_MODE") == "1"
}
