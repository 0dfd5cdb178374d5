package main

import (
	"context"
	"fmt"
	"image"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.openblok.dev/framepipe/codecs"
	"go.openblok.dev/framepipe/diskcache"
	mbp "go.openblok.dev/framepipe/mainboilerplate"
	"go.openblok.dev/framepipe/metrics"
	"go.openblok.dev/framepipe/stage"
	"go.openblok.dev/framepipe/task"
	"go.openblok.dev/framepipe/transport"
)

const iniFilename = "framestage.ini"

// Config is the top-level configuration object of a framestage process.
var Config = new(struct {
	Process mbp.ProcessConfig `group:"Process" namespace:"process" env-namespace:"PROCESS"`
	Etcd    mbp.EtcdConfig    `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Queue struct {
		Wait  time.Duration `long:"wait" env:"WAIT" default:"30s" description:"Duration for which a worker awaits a queued frame before polling again"`
		Codec string        `long:"codec" env:"CODEC" default:"none" choice:"none" choice:"gzip" choice:"snappy" choice:"zstandard" description:"Compression codec of frames added by this process"`
	} `group:"Queue" namespace:"queue" env-namespace:"QUEUE"`

	Storage struct {
		Local diskcache.Config `group:"Local" namespace:"local" env-namespace:"LOCAL"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct {
	Workers int `long:"workers" env:"WORKERS" default:"1" description:"Number of concurrent workers of the stage"`
}

var serveCfg = new(cmdServe)

type cmdServeRotate struct {
	Source      string  `long:"source" default:"raw" description:"Stage from which frames are read"`
	Target      string  `long:"target" default:"rotated" description:"Stage to which rotated frames are added"`
	CenterX     float64 `long:"center-x" env:"CENTER_X" required:"true" description:"Column of the rotation center, typically of a calibration marker"`
	CenterY     float64 `long:"center-y" env:"CENTER_Y" required:"true" description:"Row of the rotation center, typically of a calibration marker"`
	AngleOffset float64 `long:"angle-offset" env:"ANGLE_OFFSET" required:"true" description:"Counter-clockwise rotation to apply, in degrees"`
}

func (cmd *cmdServeRotate) Execute([]string) error {
	return serve("rotate", cmd.Source, func(mirror *diskcache.Cache) stage.Handler {
		return &stage.Transform{
			Target: cmd.Target,
			Fn:     stage.Rotate(cmd.CenterX, cmd.CenterY, cmd.AngleOffset),
			Mirror: mirror,
		}
	}, map[string]interface{}{
		"source":       cmd.Source,
		"target":       cmd.Target,
		"center_x":     cmd.CenterX,
		"center_y":     cmd.CenterY,
		"angle_offset": cmd.AngleOffset,
	})
}

type cmdServeExtractROI struct {
	Source string `long:"source" default:"rotated" description:"Stage from which frames are read"`
	Target string `long:"target" default:"roi" description:"Stage to which regions of interest are added"`
	X0     int    `long:"x0" env:"X0" required:"true" description:"First column of the region of interest"`
	Y0     int    `long:"y0" env:"Y0" required:"true" description:"First row of the region of interest"`
	X1     int    `long:"x1" env:"X1" required:"true" description:"Column following the region of interest"`
	Y1     int    `long:"y1" env:"Y1" required:"true" description:"Row following the region of interest"`
}

func (cmd *cmdServeExtractROI) Execute([]string) error {
	var rect = image.Rect(cmd.X0, cmd.Y0, cmd.X1, cmd.Y1)

	return serve("extract-roi", cmd.Source, func(mirror *diskcache.Cache) stage.Handler {
		return &stage.Transform{
			Target: cmd.Target,
			Fn:     stage.Crop(rect),
			Mirror: mirror,
		}
	}, map[string]interface{}{
		"source": cmd.Source,
		"target": cmd.Target,
		"region": rect.String(),
	})
}

// serve runs Workers of a stage until signaled to exit.
func serve(name, source string, newHandler func(*diskcache.Cache) stage.Handler, session map[string]interface{}) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	var proc = Config.Process.Resolve()
	log.WithFields(log.Fields{
		"stage":   name,
		"id":      proc.ID,
		"config":  Config,
		"version": mbp.Version,
	}).Info("starting stage")

	prometheus.MustRegister(metrics.FramepipeCollectors()...)
	prometheus.MustRegister(metrics.DiskCacheCollectors()...)

	var codec = codecs.Codec(Config.Queue.Codec)
	mbp.Must(codec.Validate(), "invalid codec")

	var etcd = Config.Etcd.MustDial()
	var engine = transport.NewEngine(etcd, transport.Config{
		Root:  Config.Etcd.Root,
		Codec: codec,
		Wait:  Config.Queue.Wait,
	})

	var mirror, err = diskcache.Shared(Config.Storage.Local)
	mbp.Must(err, "failed to initialize local storage")

	session["stage"] = name
	session["process_id"] = proc.ID
	session["host"] = proc.Host
	session["workers"] = serveCfg.Workers
	session["version"] = mbp.Version
	session["build_date"] = mbp.BuildDate
	session["started_at"] = time.Now().UTC().Format(time.RFC3339)
	mbp.Must(mirror.WriteSessionMetadata(session), "failed to write session metadata")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var tasks = task.NewGroup(ctx)
	var handler = newHandler(mirror)

	for i := 0; i < serveCfg.Workers; i++ {
		var r = &stage.Runner{
			Name:      name,
			Transport: engine,
			Source:    source,
			Handler:   handler,
		}
		tasks.Queue(fmt.Sprintf("worker %d", i), func() error {
			return r.Serve(tasks.Context())
		})
	}
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "stage task failed")
	mbp.Must(etcd.Close(), "failed to close Etcd client")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	serveCmd, err := parser.AddCommand("serve", "Serve a pipeline stage", `
Serve workers of a pipeline stage with the provided configuration, until
signaled to exit (via SIGTERM or SIGINT). Each worker repeatedly takes a frame
from the source stage, processes it, and adds the result to the target stage.
`, serveCfg)
	mbp.Must(err, "failed to add command")

	_, err = serveCmd.AddCommand("rotate", "Correct the rotation of raw frames", `
Rotate frames about a fixed center, such as a calibration marker, to correct
for the mounting angle of the camera.
`, &cmdServeRotate{})
	mbp.Must(err, "failed to add command")

	_, err = serveCmd.AddCommand("extract-roi", "Extract a region of interest of frames", `
Crop frames to a fixed region of interest. The region is given as the half-open
column range [x0, x1) and row range [y0, y1).
`, &cmdServeExtractROI{})
	mbp.Must(err, "failed to add command")

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
