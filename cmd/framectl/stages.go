package main

import (
	"context"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	mbp "go.openblok.dev/framepipe/mainboilerplate"
)

type cmdStagesList struct{}

type cmdStagesClear struct {
	Yes bool `long:"yes" description:"Confirm deletion of all records and queue entries"`
}

func init() {
	commands.AddCommand("stages", "list", "List stages", `
List each stage having records or queued frames, with the number of records
currently in the stage and the number of frames awaiting a consumer.
`, &cmdStagesList{})

	commands.AddCommand("stages", "clear", "Delete all frames of all stages", `
Delete every record and queue entry under the configured Etcd root. Running
stage workers are unaffected, and continue to await new frames.
`, &cmdStagesClear{})
}

func (cmd *cmdStagesList) Execute([]string) error {
	var engine = startup()
	var ctx = context.Background()

	var records, err = engine.Records().Count(ctx)
	mbp.Must(err, "failed to count records")
	depths, err := engine.Queue().Depths(ctx)
	mbp.Must(err, "failed to count queued frames")

	var stages []string
	for s := range records {
		stages = append(stages, s)
	}
	for s := range depths {
		if _, ok := records[s]; !ok {
			stages = append(stages, s)
		}
	}
	sort.Strings(stages)

	var rows [][]string
	for _, s := range stages {
		rows = append(rows, []string{s, humanize.Comma(records[s]), humanize.Comma(depths[s])})
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("Stage", "Records", "Queued")
	mbp.Must(table.Bulk(rows), "failed to build table")
	mbp.Must(table.Render(), "failed to render table")
	return nil
}

func (cmd *cmdStagesClear) Execute([]string) error {
	if !cmd.Yes {
		return errors.New("refusing to clear stages without --yes")
	}
	var engine = startup()

	var n, err = engine.Records().Clear(context.Background())
	mbp.Must(err, "failed to clear stages")

	log.WithField("keys", humanize.Comma(n)).Info("cleared stages")
	return nil
}
