package main

import (
	"time"

	"github.com/jessevdk/go-flags"
	"go.openblok.dev/framepipe/codecs"
	mbp "go.openblok.dev/framepipe/mainboilerplate"
	"go.openblok.dev/framepipe/transport"
)

const iniFilename = "framectl.ini"

var (
	baseCfg = new(struct {
		Etcd  mbp.EtcdConfig `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
		Queue struct {
			Wait  time.Duration `long:"wait" env:"WAIT" default:"5s" description:"Duration for which a get awaits a queued frame"`
			Codec string        `long:"codec" env:"CODEC" default:"none" choice:"none" choice:"gzip" choice:"snappy" choice:"zstandard" description:"Compression codec of pushed frames"`
		} `group:"Queue" namespace:"queue" env-namespace:"QUEUE"`
		Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	})

	// commands are registered by the init functions of each command file.
	commands = mbp.NewCommandRegistry()
)

// startup initializes logging and returns an Engine of the configured Etcd.
func startup() *transport.Engine {
	mbp.InitLog(baseCfg.Log)

	var codec = codecs.Codec(baseCfg.Queue.Codec)
	mbp.Must(codec.Validate(), "invalid codec")

	return transport.NewEngine(baseCfg.Etcd.MustDial(), transport.Config{
		Root:  baseCfg.Etcd.Root,
		Codec: codec,
		Wait:  baseCfg.Queue.Wait,
	})
}

func main() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	parser.LongDescription = `framectl is a tool for inspecting and manipulating the frames of a pipeline.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure framectl with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/framepipe/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`
	commands.AddCommand("", "stages", "Interact with pipeline stages", "", &struct{}{})
	commands.AddCommand("", "frames", "Interact with frames of a stage", "", &struct{}{})
	mbp.Must(commands.AddCommands("", parser.Command), "could not add sub-commands")

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
