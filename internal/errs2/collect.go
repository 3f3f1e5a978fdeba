// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package errs2

import (
	"time"

	"github.com/zeebo/errs"
)

// Collect drains the error channel until it stays quiet for the given
// interval, combining everything received into one error.
func Collect(errch chan error, interval time.Duration) error {
	var group errs.Group
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case err := <-errch:
			group.Add(err)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		case <-timer.C:
			return group.Err()
		}
	}
}
