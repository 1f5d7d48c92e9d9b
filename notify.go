package main

import (
	"os"
	"runtime"
	"time"

	"github.com/gen2brain/beeep"
	"golang.org/x/time/rate"
)

const appName = "deltatabs"

// A full-map teardown closes many tabs at once; one note per burst.
var notifyBurst = rate.Sometimes{Interval: 5 * time.Second}

func headless() bool {
	return runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}

// notifyDesktop raises a desktop notification. Failures are ignored.
func notifyDesktop(title, body string) {
	if body == "" || headless() {
		return
	}
	notifyBurst.Do(func() {
		_ = beeep.Notify(title, body, "")
	})
}
