package main

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/gorilla/mux"
	"github.com/iu-crest/pxgl/adjlist"
	"github.com/iu-crest/pxgl/edgelist"
	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/sssp"
	"github.com/iu-crest/pxgl/termination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"
)

var (
	appName = "pxgl-sssp"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "graph",
			EnvVar: "GRAPH",
			Usage:  "The path to a DIMACS shortest-path graph file",
		},
		cli.Uint64Flag{
			Name:   "source",
			EnvVar: "SOURCE",
			Usage:  "The source vertex for the SSSP run",
		},
		cli.StringFlag{
			Name:   "kind",
			Value:  "chaotic",
			EnvVar: "KIND",
			Usage:  "The relaxation strategy to use (chaotic, dc or delta)",
		},
		cli.StringFlag{
			Name:   "termination",
			Value:  "count",
			EnvVar: "TERMINATION",
			Usage:  "The termination mode to use (count, and or process)",
		},
		cli.Uint64Flag{
			Name:   "delta",
			EnvVar: "DELTA",
			Usage:  "The bucket width for delta-stepping",
		},
		cli.IntFlag{
			Name:   "num-pq",
			Value:  4,
			EnvVar: "NUM_PQ",
			Usage:  "The number of priority queues per locality (dc strategy)",
		},
		cli.IntFlag{
			Name:   "drain-freq",
			Value:  64,
			EnvVar: "DRAIN_FREQ",
			Usage:  "The number of queue entries drained between yields (dc strategy)",
		},
		cli.IntFlag{
			Name:   "localities",
			Value:  1,
			EnvVar: "LOCALITIES",
			Usage:  "The number of localities to simulate",
		},
		cli.IntFlag{
			Name:   "threads",
			Value:  runtime.NumCPU(),
			EnvVar: "THREADS",
			Usage:  "The number of worker-thread slots per locality",
		},
		cli.IntFlag{
			Name:   "locality-readers",
			Value:  1,
			EnvVar: "LOCALITY_READERS",
			Usage:  "The number of localities reading graph file stripes",
		},
		cli.IntFlag{
			Name:   "thread-readers",
			Value:  1,
			EnvVar: "THREAD_READERS",
			Usage:  "The number of reader tasks per reading locality",
		},
		cli.Uint64Flag{
			Name:   "print-limit",
			Value:  64,
			EnvVar: "PRINT_LIMIT",
			Usage:  "The maximum number of vertex distances to print; 0 prints a summary only",
		},
		cli.StringFlag{
			Name:   "metrics-addr",
			EnvVar: "METRICS_ADDR",
			Usage:  "An optional address to serve prometheus metrics on while the run executes",
		},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	if appCtx.String("graph") == "" {
		return xerrors.New("no graph file specified")
	}

	kind, err := parseKind(appCtx.String("kind"))
	if err != nil {
		return err
	}
	mode, err := parseTermination(appCtx.String("termination"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	if addr := appCtx.String("metrics-addr"); addr != "" {
		go serveMetrics(addr, registry)
	}

	rt, err := gas.New(gas.Config{
		Localities: appCtx.Int("localities"),
		Threads:    appCtx.Int("threads"),
		Logger:     logger.WithField("component", "gas"),
	})
	if err != nil {
		return err
	}

	detector := termination.New(rt, logger.WithField("component", "termination"))

	loader, err := edgelist.NewLoader(edgelist.LoaderConfig{
		Runtime:         rt,
		LocalityReaders: appCtx.Int("locality-readers"),
		ThreadReaders:   appCtx.Int("thread-readers"),
		Logger:          logger.WithField("component", "edgelist"),
	})
	if err != nil {
		return err
	}
	el, err := loader.LoadDIMACS(appCtx.String("graph"))
	if err != nil {
		return err
	}

	builder, err := adjlist.NewBuilder(adjlist.BuilderConfig{
		Runtime:  rt,
		Detector: detector,
		Logger:   logger.WithField("component", "adjlist"),
	})
	if err != nil {
		return err
	}
	graph, err := builder.FromEdgeList(el)
	if err != nil {
		return err
	}
	rt.Free(el.Edges)

	engine, err := sssp.New(sssp.Config{
		Runtime:     rt,
		Detector:    detector,
		Graph:       graph,
		Kind:        kind,
		Termination: mode,
		Delta:       appCtx.Uint64("delta"),
		NumPQ:       appCtx.Int("num-pq"),
		DrainFreq:   appCtx.Int("drain-freq"),
		Metrics:     registry,
		Logger:      logger.WithField("component", "sssp"),
	})
	if err != nil {
		return err
	}

	source := appCtx.Uint64("source")
	graph.DumpVertex(source, logger)
	done := engine.Run(source)
	rt.Wait(done)
	rt.Delete(done)

	printDistances(graph, source, appCtx.Uint64("print-limit"))

	graph.Free()
	return rt.Close()
}

func parseKind(v string) (sssp.Kind, error) {
	switch v {
	case "chaotic":
		return sssp.Chaotic, nil
	case "dc":
		return sssp.DistributedControl, nil
	case "delta":
		return sssp.DeltaStepping, nil
	default:
		return 0, xerrors.Errorf("unsupported relaxation strategy %q", v)
	}
}

func parseTermination(v string) (termination.Mode, error) {
	switch v {
	case "count":
		return termination.Count, nil
	case "and":
		return termination.AndLCO, nil
	case "process":
		return termination.Process, nil
	default:
		return 0, xerrors.Errorf("unsupported termination mode %q", v)
	}
}

func printDistances(graph *adjlist.List, source, limit uint64) {
	var reached uint64
	for v := uint64(0); v < graph.NumVertices; v++ {
		distance := graph.Distance(v)
		if distance != adjlist.InfDistance {
			reached++
		}
		if v < limit {
			if distance == adjlist.InfDistance {
				fmt.Printf("%d\tunreachable\n", v)
			} else {
				fmt.Printf("%d\t%d\n", v, distance)
			}
		}
	}
	fmt.Printf("source %d reached %d of %d vertices\n", source, reached, graph.NumVertices)
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, router); err != nil {
		logger.WithField("err", err).Error("metrics server terminated")
	}
}
