package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/spf13/cobra"
)

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <uid>",
		Short: "Print one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.requireDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			rec, err := db.ReadRun(cmd.Context(), args[0], g.project)
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("run %s not found in project %s", args[0], g.project)
			}
			if err != nil {
				return err
			}
			return g.printRecord(rec)
		},
	}
}

type filterFlags struct {
	name    string
	state   string
	labels  []string
	last    int
	daysAgo int
}

func (f *filterFlags) runFilter(project string) (repo.RunFilter, error) {
	filter := repo.RunFilter{
		Name:    f.name,
		Project: project,
		Labels:  f.labels,
		Last:    f.last,
		DaysAgo: f.daysAgo,
	}
	if f.state != "" {
		filter.State = domain.NormalizeRunState(f.state)
		if filter.State == "" {
			return repo.RunFilter{}, domain.Validationf("unknown state %q", f.state)
		}
	}
	return filter, nil
}

func listCmd(g *globals, u *ui) *cobra.Command {
	f := &filterFlags{}
	var table bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.runFilter(g.project)
			if err != nil {
				return err
			}
			db, err := g.requireDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			recs, err := db.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if !table {
				return g.print(recs)
			}
			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, u.title("UID\tITER\tNAME\tSTARTED\tSTATE"))
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					rec.Metadata.UID, rec.Metadata.Iteration, rec.Metadata.Name, rec.Status.StartTime, u.state(rec.Status.State))
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "Run name")
	fl.StringVar(&f.state, "state", "", "Run state")
	fl.StringArrayVarP(&f.labels, "label", "l", nil, "Label condition k, k=v, k!=v or k~=v (repeatable)")
	fl.IntVar(&f.last, "last", 0, "Newest runs to show; negative shows all")
	fl.BoolVar(&table, "table", true, "Print a table instead of records")
	return cmd
}

func deleteCmd(g *globals, u *ui) *cobra.Command {
	f := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "delete [uid]",
		Short: "Delete one run, or every run matching the filter",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.requireDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if len(args) == 1 {
				if err := db.DelRun(cmd.Context(), args[0], g.project); err != nil {
					return err
				}
				fmt.Fprintln(g.stdout, u.ok("deleted"), args[0])
				return nil
			}
			filter, err := f.runFilter(g.project)
			if err != nil {
				return err
			}
			n, err := db.DelRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(g.stdout, u.ok("deleted"), n, "runs")
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "Run name")
	fl.StringVar(&f.state, "state", "", "Run state")
	fl.StringArrayVarP(&f.labels, "label", "l", nil, "Label condition (repeatable)")
	fl.IntVar(&f.daysAgo, "days-ago", 0, "Only runs started more than this many days ago")
	return cmd
}

func artifactsCmd(g *globals, u *ui) *cobra.Command {
	var (
		name   string
		tag    string
		labels []string
		table  bool
	)
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List registered artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.requireDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			arts, err := db.ListArtifacts(cmd.Context(), repo.ArtifactFilter{
				Name:    name,
				Project: g.project,
				Tag:     tag,
				Labels:  labels,
			})
			if err != nil {
				return err
			}
			if !table {
				return g.print(arts)
			}
			tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, u.title("KEY\tTREE\tKIND\tTARGET"))
			for _, a := range arts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Key, a.Tree, a.Kind, a.TargetPath)
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&name, "name", "", "Artifact key")
	fl.StringVar(&tag, "tag", "", "Tag or tree; * lists every tree")
	fl.StringArrayVarP(&labels, "label", "l", nil, "Label condition (repeatable)")
	fl.BoolVar(&table, "table", true, "Print a table instead of descriptors")
	return cmd
}
