package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/config"
	"github.com/roach88/dbwire/internal/descriptor"
	"github.com/roach88/dbwire/internal/metrics"
	"github.com/roach88/dbwire/internal/module"
)

// LoadError is a descriptor loading failure with its error code.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return e.Message
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadDescriptor reads and validates the descriptor at path.
func LoadDescriptor(path string) (*descriptor.File, error) {
	if path == "" {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: "no descriptor given (argument or DBWIRE_DESCRIPTOR)"}
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("descriptor not found: %s", path), Err: err}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing descriptor: %v", err), Err: err}
	}
	if info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("descriptor is a directory: %s", path)}
	}

	file, err := descriptor.Load(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading descriptor: %v", err), Err: err}
	}
	return file, nil
}

// loadFailure prints a LoadError (or any error) and returns the ExitError.
func loadFailure(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return formatter.fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
	}
	return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
}

// runEnv is what every command needs beyond its flags.
type runEnv struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// resolve fills Config and Logger from the environment when the caller has
// not set them, so commands work without the root command's pre-run.
func (o *RootOptions) resolve() (*runEnv, error) {
	cfg := o.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
		o.Config = cfg
	}

	logger := o.Logger
	if logger == nil {
		level := cfg.LogLevel
		if o.Verbose {
			level = "debug"
		}
		built, err := config.NewLogger(level, cfg.LogFormat)
		if err != nil {
			return nil, err
		}
		logger = built
		o.Logger = logger
	}
	return &runEnv{cfg: cfg, logger: logger, metrics: metrics.New()}, nil
}

// descriptorPath picks the argument, falling back to DBWIRE_DESCRIPTOR.
func (rt *runEnv) descriptorPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return rt.cfg.Descriptor
}

// bootstrap creates a Bootstrap with the runtime's settings.
func (rt *runEnv) bootstrap(file *descriptor.File, extra ...module.Option) *module.Bootstrap {
	opts := []module.Option{
		module.WithLogger(rt.logger),
		module.WithMetrics(rt.metrics),
		module.WithParallelStartup(rt.cfg.ParallelStartup),
		module.WithTxTimeout(rt.cfg.TxTimeout),
	}
	return module.New(file, append(opts, extra...)...)
}
