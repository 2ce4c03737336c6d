package forestfs

import (
	"github.com/mwantia/forestfs/log"
	"github.com/mwantia/forestfs/storage"
	"github.com/mwantia/forestfs/xstat"
)

type Options struct {
	LogLevel      log.LogLevel
	LogFile       string
	NoTerminalLog bool

	// Staging directory for temp files and clones. Must live on the
	// same filesystem as the drive trees. Defaults to <root>/tmp.
	TempDir string

	// Size boundary a file must be a multiple of before append is
	// permitted. Inherited from the storage layer's extent granularity,
	// not renegotiable per call.
	AlignmentUnit int64

	// Concurrent media probes
	ProbeWorkers int64

	// Query results above this count are written to a temp JSON file
	// instead of being returned inline
	SpillThreshold int

	// Identity store override; nil picks xattr when supported and
	// falls back to in-memory records
	XStat xstat.Store

	// Copy-on-write implementation override; nil uses the clone ioctls
	Cloner storage.Cloner
}

type Option func(*Options) error

func newDefaultOptions() *Options {
	return &Options{
		LogLevel:       log.Info,
		AlignmentUnit:  1 << 30,
		ProbeWorkers:   2,
		SpillThreshold: 512,
	}
}

func WithLogLevel(level log.LogLevel) Option {
	return func(opts *Options) error {
		opts.LogLevel = level
		return nil
	}
}

func WithLogFile(logFile string) Option {
	return func(opts *Options) error {
		opts.LogFile = logFile
		return nil
	}
}

func WithoutTerminalLog() Option {
	return func(opts *Options) error {
		opts.NoTerminalLog = true
		return nil
	}
}

func WithTempDir(dir string) Option {
	return func(opts *Options) error {
		opts.TempDir = dir
		return nil
	}
}

func WithAlignmentUnit(unit int64) Option {
	return func(opts *Options) error {
		opts.AlignmentUnit = unit
		return nil
	}
}

func WithProbeWorkers(workers int64) Option {
	return func(opts *Options) error {
		opts.ProbeWorkers = workers
		return nil
	}
}

func WithSpillThreshold(count int) Option {
	return func(opts *Options) error {
		opts.SpillThreshold = count
		return nil
	}
}

func WithXStat(xs xstat.Store) Option {
	return func(opts *Options) error {
		opts.XStat = xs
		return nil
	}
}

func WithCloner(cloner storage.Cloner) Option {
	return func(opts *Options) error {
		opts.Cloner = cloner
		return nil
	}
}
