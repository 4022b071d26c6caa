// Package lock coordinates OCR jobs across processes using nothing but a
// shared directory.
//
// Two kinds of files live in the directory:
//
//	slot-N.lock   one of ceiling slots of the counting semaphore
//	<key>.lock    the per-image lock, keyed by the MD5 of the image locator
//
// Both are created with O_CREATE|O_EXCL so acquisition is atomic on any
// local or network filesystem that honours exclusive create. No in-process
// state is trusted: a second process sees exactly what this one sees.
package lock

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBusy is returned when another job already holds the lock for an image.
var ErrBusy = errors.New("lock: image is already being processed")

// ErrInvalidKey is returned for keys that are not lowercase hex digests.
var ErrInvalidKey = errors.New("lock: invalid key")

const (
	slotPrefix = "slot-"
	suffix     = ".lock"

	// DefaultPollInterval is how often a waiting job re-checks for a free slot.
	DefaultPollInterval = time.Second
)

// Key derives the lock key for an image locator.
func Key(imageLocator string) string {
	sum := md5.Sum([]byte(imageLocator))
	return hex.EncodeToString(sum[:])
}

// Info is the diagnostic record stored in a key lock file.
type Info struct {
	Key       string    `json:"key"`
	Created   time.Time `json:"created"`
	Engine    string    `json:"engine,omitempty"`
	Document  string    `json:"document,omitempty"`
	Page      int       `json:"page,omitempty"`
	Image     string    `json:"image,omitempty"`
	Requester string    `json:"requester,omitempty"`
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	Slot      int       `json:"slot"`

	// Files are working files of the job, removed by Clear.
	Files []string `json:"files,omitempty"`
	// Placeholder is the artifact path the job put a placeholder at.
	Placeholder string `json:"placeholder,omitempty"`

	// Alive is filled in by List for locks owned by this host.
	Alive *bool `json:"alive,omitempty"`
}

// Token is proof of a held lock. It is released with Dir.Release.
type Token struct {
	Key  string
	Slot int
	Info Info
}

// Options configures a lock directory.
type Options struct {
	Path         string
	Ceiling      int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Dir is a lock directory shared by every process running OCR jobs.
type Dir struct {
	path    string
	ceiling int
	poll    time.Duration
	logger  *slog.Logger
}

// New creates the lock directory if needed.
func New(opts Options) (*Dir, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("lock: path is required")
	}
	if opts.Ceiling < 1 {
		opts.Ceiling = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create directory: %w", err)
	}
	return &Dir{
		path:    opts.Path,
		ceiling: opts.Ceiling,
		poll:    opts.PollInterval,
		logger:  opts.Logger.With("component", "lock"),
	}, nil
}

// Path returns the lock directory.
func (d *Dir) Path() string { return d.path }

// Ceiling returns the maximum number of concurrently held locks.
func (d *Dir) Ceiling() int { return d.ceiling }

func (d *Dir) keyPath(key string) string {
	return filepath.Join(d.path, key+suffix)
}

func (d *Dir) slotPath(slot int) string {
	return filepath.Join(d.path, slotPrefix+strconv.Itoa(slot)+suffix)
}

func validKey(key string) bool {
	if len(key) == 0 || len(key) > 64 {
		return false
	}
	for _, c := range key {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Held reports whether a lock for key currently exists.
func (d *Dir) Held(key string) bool {
	_, err := os.Stat(d.keyPath(key))
	return err == nil
}

// TryAcquire takes a semaphore slot and then the per-image lock for key.
//
// If key is already held, ErrBusy is returned without waiting. Otherwise the
// call polls until a slot frees up or ctx is done. A key taken by another
// process while this one waited also yields ErrBusy.
func (d *Dir) TryAcquire(ctx context.Context, key string, info Info) (*Token, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if d.Held(key) {
		return nil, ErrBusy
	}

	slot, err := d.acquireSlot(ctx, key)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	info.Key = key
	info.Slot = slot
	info.PID = os.Getpid()
	info.Host = host
	if info.Created.IsZero() {
		info.Created = time.Now().UTC()
	}

	if err := writeExclusive(d.keyPath(key), info); err != nil {
		d.freeSlot(slot)
		if errors.Is(err, os.ErrExist) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock: create key file: %w", err)
	}

	d.logger.Debug("lock acquired", "key", key, "slot", slot)
	return &Token{Key: key, Slot: slot, Info: info}, nil
}

func (d *Dir) acquireSlot(ctx context.Context, key string) (int, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		for slot := 0; slot < d.ceiling; slot++ {
			f, err := os.OpenFile(d.slotPath(slot), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err == nil {
				_, werr := f.WriteString(key)
				cerr := f.Close()
				if werr != nil || cerr != nil {
					_ = os.Remove(d.slotPath(slot))
					return 0, fmt.Errorf("lock: write slot file: %w", errors.Join(werr, cerr))
				}
				return slot, nil
			}
			if !errors.Is(err, os.ErrExist) {
				return 0, fmt.Errorf("lock: create slot file: %w", err)
			}
		}

		if timer == nil {
			d.logger.Debug("all slots taken, waiting", "key", key, "ceiling", d.ceiling)
			timer = time.NewTimer(d.poll)
		} else {
			timer.Reset(d.poll)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}

		if d.Held(key) {
			return 0, ErrBusy
		}
	}
}

func (d *Dir) freeSlot(slot int) {
	if err := os.Remove(d.slotPath(slot)); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to free slot", "slot", slot, "error", err)
	}
}

// Release removes the key file and then frees the slot. It is safe to call
// on a lock that was already cleared by an operator.
func (d *Dir) Release(t *Token) error {
	if t == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(d.keyPath(t.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.Remove(d.slotPath(t.Slot)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("lock: release %s: %w", t.Key, errors.Join(errs...))
	}
	d.logger.Debug("lock released", "key", t.Key, "slot", t.Slot)
	return nil
}

// Count returns the number of per-image locks currently held.
func (d *Dir) Count() (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("lock: read directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if isKeyFile(e.Name()) {
			n++
		}
	}
	return n, nil
}

// List returns every held lock, oldest first. Locks whose file cannot be
// parsed are reported with only Key set.
func (d *Dir) List() ([]Info, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("lock: read directory: %w", err)
	}
	host, _ := os.Hostname()

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if !isKeyFile(name) {
			continue
		}
		key := strings.TrimSuffix(name, suffix)
		info, err := readInfo(filepath.Join(d.path, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			out = append(out, Info{Key: key, Slot: -1})
			continue
		}
		info.Key = key
		if info.Host != "" && info.Host == host && info.PID > 0 {
			alive := ProcessAlive(info.PID)
			info.Alive = &alive
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Clear removes a lock left behind by a job that died without releasing it,
// together with the slot it occupied and the working files it recorded.
func (d *Dir) Clear(key string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	info, err := readInfo(d.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && info.Slot >= 0 && info.Slot < d.ceiling {
		// Only free the slot if it still belongs to this key.
		if owner, rerr := os.ReadFile(d.slotPath(info.Slot)); rerr == nil && string(owner) == key {
			d.freeSlot(info.Slot)
		}
	}
	for _, f := range info.Files {
		if rerr := os.Remove(f); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			d.logger.Warn("failed to remove working file", "key", key, "file", f, "error", rerr)
		}
	}
	if err := os.Remove(d.keyPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock: clear %s: %w", key, err)
	}
	d.logger.Info("lock cleared", "key", key)
	return nil
}

// ClearAll removes every key and slot file in the directory.
func (d *Dir) ClearAll() (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("lock: read directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if err := os.Remove(filepath.Join(d.path, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("lock: clear %s: %w", name, err)
		}
		if isKeyFile(name) {
			n++
		}
	}
	d.logger.Info("all locks cleared", "count", n)
	return n, nil
}

func isKeyFile(name string) bool {
	return strings.HasSuffix(name, suffix) && !strings.HasPrefix(name, slotPrefix)
}

func writeExclusive(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func readInfo(path string) (Info, error) {
	var info Info
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parse lock file: %w", err)
	}
	return info, nil
}
