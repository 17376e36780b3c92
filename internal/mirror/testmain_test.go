package mirror

import (
	"os"
	"strconv"
	"testing"
)

// The test binary doubles as a fake link helper: with MIRROR_FAKE_HELPER=1
// it appends its arguments to MIRROR_FAKE_HELPER_LOG and exits with
// MIRROR_FAKE_HELPER_EXIT.
func TestMain(m *testing.M) {
	if os.Getenv("MIRROR_FAKE_HELPER") == "1" {
		if logPath := os.Getenv("MIRROR_FAKE_HELPER_LOG"); logPath != "" {
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				for i, a := range os.Args[1:] {
					if i > 0 {
						f.WriteString(" ")
					}
					f.WriteString(a)
				}
				f.WriteString("\n")
				f.Close()
			}
		}
		code, _ := strconv.Atoi(os.Getenv("MIRROR_FAKE_HELPER_EXIT"))
		if code != 0 {
			os.Stderr.WriteString("fake helper failure\n")
		}
		os.Exit(code)
	}
	os.Exit(m.Run())
}
