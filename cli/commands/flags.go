package commands

import (
	"time"

	"github.com/petal-labs/llmrouter/cli/config"
)

// secondsValue is a duration flag that also accepts a bare number of
// seconds.
type secondsValue time.Duration

func (v *secondsValue) Set(s string) error {
	d, err := config.ParseDuration(s)
	if err != nil {
		return err
	}
	*v = secondsValue(d)
	return nil
}

func (v *secondsValue) String() string {
	if *v == 0 {
		return "0"
	}
	return time.Duration(*v).String()
}

func (v *secondsValue) Type() string { return "seconds" }
