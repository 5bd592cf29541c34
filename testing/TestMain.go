package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("COOPLEDGER_TEST_MODE", "1")
		if _, ok := os.LookupEnv("CLOSING_CRON"); !ok {
			_ = os.Setenv("CLOSING_CRON", "")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
