package test

import (
	"fmt"
	"os"
)

var (
	TestPassword        = getStringVar("PACKRAT_TEST_PASSWORD", "geheim")
	TestCleanupTempDirs = getBoolVar("PACKRAT_TEST_CLEANUP", true)
	TestTempDir         = getStringVar("PACKRAT_TEST_TMPDIR", "")
)

func getStringVar(name, defaultValue string) string {
	if e := os.Getenv(name); e != "" {
		return e
	}

	return defaultValue
}

func getBoolVar(name string, defaultValue bool) bool {
	switch e := os.Getenv(name); e {
	case "":
	case "1", "true":
		return true
	case "0", "false":
		return false
	default:
		fmt.Fprintf(os.Stderr, "invalid value for variable %q, using default\n", name)
	}

	return defaultValue
}
