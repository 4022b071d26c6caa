package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

type owner struct {
	PID     int       `json:"pid"`
	Host    string    `json:"host"`
	Created time.Time `json:"created"`
}

// Exclusive serializes writers of a single file across processes by creating
// path exclusively. It polls every interval until the file can be created or
// ctx is done, and returns a function that removes it.
//
// A mutex file left by a dead process on this host is taken over; one owned
// by another host is only ever waited on.
func Exclusive(ctx context.Context, path string, interval time.Duration) (func() error, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	host, _ := os.Hostname()
	me := owner{PID: os.Getpid(), Host: host}

	for {
		me.Created = time.Now().UTC()
		err := writeExclusive(path, me)
		if err == nil {
			return func() error {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("lock: remove mutex %s: %w", path, err)
				}
				return nil
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock: create mutex %s: %w", path, err)
		}

		if abandoned(path, host) {
			_ = os.Remove(path)
			continue
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func abandoned(path, host string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		return false
	}
	return o.Host == host && o.PID > 0 && !ProcessAlive(o.PID)
}
