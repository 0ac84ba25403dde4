// Package psoc4 programs PSoC 4 flash through SROM system calls.
package psoc4

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/psoc4-flasher/internal/srom"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

// Config holds the device configuration.
type Config struct {
	// Timeout bounds each SROM call
	Timeout time.Duration

	// Models is the table Identify matches silicon ids against
	Models []Model
}

func defaultConfig() Config {
	return Config{
		Timeout: srom.DefaultTimeout,
		Models:  Models,
	}
}

// Option is a functional option for configuring a Device.
type Option func(*Config)

// WithTimeout sets the SROM completion timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithModels adds parts to the model table.
func WithModels(models ...Model) Option {
	return func(c *Config) {
		c.Models = append(append([]Model(nil), c.Models...), models...)
	}
}

// Resetter is implemented by links that can reset the target.
type Resetter interface {
	ResetRun(ctx context.Context) error
}

// Device is one attached PSoC 4. Operations are serialised; a second
// operation started while one is running fails with ErrBusy.
type Device struct {
	link   target.Link
	srom   *srom.Caller
	config Config

	mu       sync.Mutex
	busy     bool
	model    *Model
	identity Identity
	flash    *target.Flash
}

// New creates a Device on an attached link.
func New(link target.Link, opts ...Option) *Device {
	if link == nil {
		panic("link cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Device{
		link:   link,
		srom:   srom.NewCaller(link, cfg.Timeout),
		config: cfg,
	}
}

// Model returns the identified model, or nil before Identify.
func (d *Device) Model() *Model {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// Identity returns what the last Identify read from the chip.
func (d *Device) Identity() Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Flash returns the flash map registered by Identify, or nil.
func (d *Device) Flash() *target.Flash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flash
}

// exclusive runs fn with the device marked busy.
func (d *Device) exclusive(fn func() error) error {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return ErrBusy
	}
	d.busy = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}()
	return fn()
}

// withCoreRunning resumes the core so the boot ROM can execute calls,
// runs fn and halts the core again on every path.
func (d *Device) withCoreRunning(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.exclusive(func() (err error) {
		defer func() {
			herr := d.link.Halt(context.WithoutCancel(ctx))
			if herr == nil {
				return
			}
			if err == nil {
				err = fmt.Errorf("halt core: %w", herr)
				return
			}
			glog.Warningf("psoc4: halt after failed operation: %v", herr)
		}()

		if err := d.link.Resume(ctx); err != nil {
			return fmt.Errorf("resume core: %w", err)
		}
		return fn(ctx)
	})
}

// Regions returns the regions registered by Identify.
func (d *Device) Regions() []target.Region {
	if f := d.Flash(); f != nil {
		return f.Regions()
	}
	return nil
}

// EraseFlash checks that a range lies inside one identified region.
// Rows are programmed whole, so no SROM call is needed ahead of a write.
func (d *Device) EraseFlash(ctx context.Context, addr, length uint32) error {
	f := d.Flash()
	if f == nil {
		return ErrNotIdentified
	}
	return f.Erase(ctx, addr, length)
}

// WriteFlash writes data through the flash map, one block per SROM
// row or protection write.
func (d *Device) WriteFlash(ctx context.Context, addr uint32, data []byte) error {
	f := d.Flash()
	if f == nil {
		return ErrNotIdentified
	}
	return f.Write(ctx, addr, data)
}

// Reset restarts the target if the link supports it.
func (d *Device) Reset(ctx context.Context) error {
	r, ok := d.link.(Resetter)
	if !ok {
		return nil
	}
	return r.ResetRun(ctx)
}
