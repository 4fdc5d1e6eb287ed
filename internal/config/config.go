// Package config holds the explicit configuration surface for the
// data plane. The original source (snap_env.c/snap_env.h) drove these
// knobs from environment variables read through a global registry
// populated by constructor-linker tricks (SNAP_ENV_REG_ENV_VARIABLE).
// That pattern does not translate to Go; this package replaces it with
// a plain options struct with documented defaults, loaded explicitly by
// whatever entry point wants non-default behavior (see cmd/dpud for a
// YAML-backed loader).
package config

import (
	"fmt"
)

// DMAMode selects which DmaQueue backend services a queue.
type DMAMode string

const (
	// DMAModeAuto picks gga if the hardware DMA engine supports the
	// queue pair, else dv; it never picks verbs (see dma.Resolve).
	DMAModeAuto  DMAMode = "auto"
	DMAModeVerbs DMAMode = "verbs"
	DMAModeDV    DMAMode = "dv"
	DMAModeGGA   DMAMode = "gga"
)

// DoorbellMode selects whether WQEs ring their own doorbell immediately
// or accumulate under RING_BATCH until an explicit flush.
type DoorbellMode string

const (
	DoorbellModeImmediate DoorbellMode = "immediate"
	DoorbellModeBatch     DoorbellMode = "batch"
)

// Options is the full set of tunables for one controller instance.
// Zero value is meaningful only after a call to Options.WithDefaults.
type Options struct {
	// DMAMode selects the DmaQueue backend. Default DMAModeAuto.
	DMAMode DMAMode `yaml:"dma_mode"`
	// DoorbellMode selects doorbell batching behavior. Default DoorbellModeBatch.
	DoorbellMode DoorbellMode `yaml:"db_mode"`
	// MergeDescriptors enables merging of contiguous same-direction
	// descriptors in the virtqueue FSM (spec §4.2 FETCH_DESCS).
	MergeDescriptors bool `yaml:"merge_descs"`
	// IOVEnable selects scatter-gather iovecs instead of a single
	// bounce buffer for the backend. No package in this tree reads it,
	// so setting it has no effect.
	IOVEnable bool `yaml:"iov_enable"`
	// CryptoEnable selects UMR crypto-BSF key construction for
	// encrypted I/O (spec §4.1 writec/readc). No package in this tree
	// reads it; dma.Queue.WriteC/ReadC are available regardless.
	CryptoEnable bool `yaml:"crypto_enable"`
	// ForceInOrder requires completions to retire in host arrival
	// order (spec §4.2.2).
	ForceInOrder bool `yaml:"force_in_order"`
	// LogWritesToHost enables dirty-page reporting to the migration
	// channel for every host-memory write (spec §4.2.3).
	LogWritesToHost bool `yaml:"log_writes_to_host"`
	// QueueSize is the number of VirtqCommand slots per virtqueue.
	QueueSize uint16 `yaml:"queue_size"`
	// PollingGroups is the number of worker-thread polling groups.
	PollingGroups int `yaml:"polling_groups"`
	// MemoryPool selects pool-mode dma_pool_malloc/free on the
	// backend instead of per-request dma_malloc/dma_free. No package
	// in this tree reads it, so setting it has no effect.
	MemoryPool bool `yaml:"memory_pool"`
	// ZeroCopy selects the fake-iov path (spec §4.2.1) when the
	// backend advertises zero-copy alignment. No package in this tree
	// reads it, so setting it has no effect.
	ZeroCopy bool `yaml:"zero_copy"`
}

// WithDefaults returns a copy of o with documented defaults applied to
// any zero-valued field.
func (o Options) WithDefaults() Options {
	if o.DMAMode == "" {
		o.DMAMode = DMAModeAuto
	}
	if o.DoorbellMode == "" {
		o.DoorbellMode = DoorbellModeBatch
	}
	if o.QueueSize == 0 {
		o.QueueSize = 256
	}
	if o.PollingGroups == 0 {
		o.PollingGroups = 1
	}
	return o
}

// Validate reports a descriptive error for out-of-range values.
func (o Options) Validate() error {
	switch o.DMAMode {
	case DMAModeAuto, DMAModeVerbs, DMAModeDV, DMAModeGGA:
	default:
		return fmt.Errorf("config: invalid dma_mode %q", o.DMAMode)
	}
	switch o.DoorbellMode {
	case DoorbellModeImmediate, DoorbellModeBatch:
	default:
		return fmt.Errorf("config: invalid db_mode %q", o.DoorbellMode)
	}
	if o.QueueSize == 0 || o.QueueSize&(o.QueueSize-1) != 0 {
		return fmt.Errorf("config: queue_size %d must be a power of two", o.QueueSize)
	}
	if o.PollingGroups <= 0 {
		return fmt.Errorf("config: polling_groups must be positive, got %d", o.PollingGroups)
	}
	return nil
}
