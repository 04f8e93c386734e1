package health

import (
	"context"
	"errors"
)

// SessionChecker reports readiness of the realtime session. connected is
// typically the transport's Connected method.
func SessionChecker(connected func() bool) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if !connected() {
				return errors.New("realtime session disconnected")
			}
			return nil
		},
	}
}

// Pinger is implemented by dependencies that can probe their backing
// connection, such as a pgx pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a [Pinger] as a named readiness check.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// CaptureChecker reports readiness of the audio capture loop. listening is
// true while the capture actor is running without a device fault.
func CaptureChecker(listening func() bool) Checker {
	return Checker{
		Name: "capture",
		Check: func(context.Context) error {
			if !listening() {
				return errors.New("capture loop stopped")
			}
			return nil
		},
	}
}
