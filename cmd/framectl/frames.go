package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG decoding.
	"image/png"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.openblok.dev/framepipe/frame"
	mbp "go.openblok.dev/framepipe/mainboilerplate"
	"go.openblok.dev/framepipe/transport"
	"gopkg.in/yaml.v2"
)

type cmdFramesPush struct {
	Stage    string   `long:"stage" short:"s" default:"raw" description:"Stage to which frames are added"`
	Metadata []string `long:"metadata" short:"m" description:"Metadata of each frame, as key=value. May be repeated"`
}

type cmdFramesGet struct {
	Stage  string `long:"stage" short:"s" required:"true" description:"Stage from which to get a frame"`
	ID     string `long:"id" description:"ID of the frame to get. If not set, the next queued frame is taken"`
	Keep   bool   `long:"keep" description:"Keep the frame in its stage, rather than deleting it"`
	Output string `long:"output" short:"o" description:"Path of the written PNG image. Defaults to {id}.png"`
}

type cmdFramesInspect struct {
	Stage  string `long:"stage" short:"s" required:"true" description:"Stage of the frame"`
	ID     string `long:"id" required:"true" description:"ID of the frame"`
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" choice:"json" default:"table" description:"Output format"`
}

type cmdFramesMove struct {
	Stage string `long:"stage" short:"s" required:"true" description:"Current stage of the frame"`
	To    string `long:"to" required:"true" description:"Stage to which the frame is moved and queued"`
	ID    string `long:"id" required:"true" description:"ID of the frame"`
}

type cmdFramesDelete struct {
	Stage string `long:"stage" short:"s" required:"true" description:"Stage of the frame"`
	ID    string `long:"id" required:"true" description:"ID of the frame"`
}

func init() {
	commands.AddCommand("frames", "push", "Add image files as frames of a stage", `
Decode each PNG or JPEG image argument and add it as a frame of the stage,
printing the ID assigned to each frame. This is useful for feeding a pipeline
without a camera:

>    framectl frames push --stage raw -m camera=bench capture-*.png
`, &cmdFramesPush{})

	commands.AddCommand("frames", "get", "Take a frame of a stage as a PNG image", `
Get a frame of the stage and write it as a PNG image. If --id is not given, the
next queued frame of the stage is taken (waiting up to --queue.wait for one).
Unless --keep is given, the frame is deleted from its stage.
`, &cmdFramesGet{})

	commands.AddCommand("frames", "inspect", "Print the metadata of a frame", `
Print the dimensions and metadata of a frame, without removing the frame from
its stage or its queue.
`, &cmdFramesInspect{})

	commands.AddCommand("frames", "move", "Move a frame to another stage", `
Atomically move a frame to another stage, and queue it there.
`, &cmdFramesMove{})

	commands.AddCommand("frames", "delete", "Delete a frame", `
Delete a frame and its queue entry. Deleting a missing frame is not an error.
`, &cmdFramesDelete{})
}

func (cmd *cmdFramesPush) Execute(args []string) error {
	var engine = startup()

	if len(args) == 0 {
		return errors.New("expected at least one image path")
	}
	var md, err = parseMetadata(cmd.Metadata)
	if err != nil {
		return err
	}

	for _, path := range args {
		var f, err = readImage(path)
		mbp.Must(err, "failed to read image", "path", path)

		id, err := engine.AddFrame(context.Background(), cmd.Stage, f, md)
		mbp.Must(err, "failed to add frame", "path", path)

		fmt.Println(id)
	}
	return nil
}

func (cmd *cmdFramesGet) Execute([]string) error {
	var engine = startup()

	var d, err = engine.GetFrame(context.Background(), transport.GetRequest{
		Stage: cmd.Stage,
		ID:    cmd.ID,
		Keep:  cmd.Keep,
	})
	mbp.Must(err, "failed to get frame")

	var path = cmd.Output
	if path == "" {
		path = d.ID + ".png"
	}
	out, err := os.Create(path)
	mbp.Must(err, "failed to create output")

	mbp.Must(png.Encode(out, d.Frame.Image()), "failed to encode image")
	mbp.Must(out.Close(), "failed to close output")

	log.WithFields(log.Fields{"id": d.ID, "path": path}).Info("wrote frame")
	return nil
}

// inspection is the output document of `frames inspect`.
type inspection struct {
	ID       string            `json:"id" yaml:"id"`
	Stage    string            `json:"stage" yaml:"stage"`
	Height   int               `json:"height" yaml:"height"`
	Width    int               `json:"width" yaml:"width"`
	Metadata map[string]string `json:"metadata" yaml:"metadata"`
}

func (cmd *cmdFramesInspect) Execute([]string) error {
	var engine = startup()

	var d, err = engine.GetFrame(context.Background(), transport.GetRequest{
		Stage: cmd.Stage,
		ID:    cmd.ID,
		Keep:  true,
	})
	mbp.Must(err, "failed to get frame")

	// Drop latency of this inspection itself.
	delete(d.Metadata, transport.FieldGetFrameTime)

	var doc = inspection{
		ID:       d.ID,
		Stage:    d.Stage,
		Height:   d.Frame.Height,
		Width:    d.Frame.Width,
		Metadata: d.Metadata,
	}

	switch cmd.Format {
	case "yaml":
		b, err := yaml.Marshal(doc)
		mbp.Must(err, "failed to encode yaml")
		_, _ = os.Stdout.Write(b)
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		mbp.Must(enc.Encode(doc), "failed to encode json")
	case "table":
		var rows = [][]string{
			{"id", doc.ID},
			{"stage", doc.Stage},
			{"dimensions", strconv.Itoa(doc.Height) + "x" + strconv.Itoa(doc.Width)},
		}
		var keys []string
		for k := range doc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			rows = append(rows, []string{k, doc.Metadata[k]})
		}
		var table = tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		mbp.Must(table.Bulk(rows), "failed to build table")
		mbp.Must(table.Render(), "failed to render table")
	}
	return nil
}

func (cmd *cmdFramesMove) Execute([]string) error {
	var engine = startup()

	mbp.Must(engine.MoveFrame(context.Background(), cmd.Stage, cmd.To, cmd.ID), "failed to move frame")
	log.WithFields(log.Fields{"id": cmd.ID, "from": cmd.Stage, "to": cmd.To}).Info("moved frame")
	return nil
}

func (cmd *cmdFramesDelete) Execute([]string) error {
	var engine = startup()

	mbp.Must(engine.DeleteFrame(context.Background(), cmd.Stage, cmd.ID), "failed to delete frame")
	log.WithFields(log.Fields{"id": cmd.ID, "stage": cmd.Stage}).Info("deleted frame")
	return nil
}

// parseMetadata parses "key=value" arguments.
func parseMetadata(args []string) (map[string]string, error) {
	var md = make(map[string]string, len(args))
	for _, arg := range args {
		var k, v, ok = strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("invalid metadata %q (expected key=value)", arg)
		}
		md[k] = v
	}
	return md, nil
}

func readImage(path string) (frame.Frame, error) {
	var f, err = os.Open(path)
	if err != nil {
		return frame.Frame{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return frame.Frame{}, errors.WithMessage(err, "decoding image")
	}
	return frame.FromImage(img), nil
}
