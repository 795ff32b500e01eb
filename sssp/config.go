package sssp

import (
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/iu-crest/pxgl/adjlist"
	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/termination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// ErrInvalidConfig is returned when a requested strategy and termination
// mode cannot be combined. Raised at engine creation, never mid-run.
var ErrInvalidConfig = xerrors.New("invalid sssp configuration")

// Kind selects the relaxation strategy.
type Kind int

const (
	// Chaotic dispatches every relax task immediately; progress relies
	// solely on termination detection.
	Chaotic Kind = iota

	// DistributedControl routes updates through per-locality priority
	// queues so lower tentative distances relax first.
	DistributedControl

	// DeltaStepping defers updates beyond the current distance level into
	// buckets and processes one level per phase.
	DeltaStepping
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Chaotic:
		return "chaotic"
	case DistributedControl:
		return "distributed-control"
	case DeltaStepping:
		return "delta-stepping"
	default:
		return "unknown"
	}
}

// Config encapsulates the options for creating an Engine.
type Config struct {
	// Runtime hosting the graph and the relax traffic.
	Runtime *gas.Runtime

	// Detector supplies the per-locality termination counters.
	Detector *termination.Detector

	// Graph is the constructed adjacency list to run over.
	Graph *adjlist.List

	// Kind selects the relaxation strategy. Defaults to Chaotic.
	Kind Kind

	// Termination selects the quiescence mechanism. Defaults to Count.
	// DistributedControl and DeltaStepping require Count.
	Termination termination.Mode

	// Delta is the bucket width for DeltaStepping. Required for that
	// strategy and ignored otherwise.
	Delta uint64

	// NumPQ is the number of priority queues per locality for
	// DistributedControl. Defaults to 4.
	NumPQ int

	// DrainFreq is the number of queue entries a drainer processes
	// between yields. Defaults to 64.
	DrainFreq int

	// QueueCapacityHint pre-sizes the priority queues. Defaults to 1024.
	QueueCapacityHint int

	// Metrics optionally registers the engine's work counters.
	Metrics prometheus.Registerer

	// Logger for run progress. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

// validate checks whether the engine configuration is valid and sets the
// default values where required.
func (cfg *Config) validate() error {
	var err error
	if cfg.Runtime == nil {
		err = multierror.Append(err, xerrors.New("runtime not specified"))
	}
	if cfg.Detector == nil {
		err = multierror.Append(err, xerrors.New("termination detector not specified"))
	}
	if cfg.Graph == nil {
		err = multierror.Append(err, xerrors.New("graph not specified"))
	}
	if cfg.Kind == DistributedControl && cfg.Termination != termination.Count {
		err = multierror.Append(err, xerrors.Errorf(
			"distributed control requires count termination, got %s: %w", cfg.Termination, ErrInvalidConfig))
	}
	if cfg.Kind == DeltaStepping {
		if cfg.Termination != termination.Count {
			err = multierror.Append(err, xerrors.Errorf(
				"delta-stepping requires count termination, got %s: %w", cfg.Termination, ErrInvalidConfig))
		}
		if cfg.Delta == 0 {
			err = multierror.Append(err, xerrors.Errorf("delta-stepping requires a delta: %w", ErrInvalidConfig))
		}
	}
	if cfg.NumPQ <= 0 {
		cfg.NumPQ = 4
	}
	if cfg.DrainFreq <= 0 {
		cfg.DrainFreq = 64
	}
	if cfg.QueueCapacityHint <= 0 {
		cfg.QueueCapacityHint = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}
