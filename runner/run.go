package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/generator"
	"github.com/animus-labs/animus-runs/internal/jobs/trainer"
	"github.com/animus-labs/animus-runs/internal/platform/auth"
	platformstore "github.com/animus-labs/animus-runs/internal/platform/objectstore"
	"github.com/animus-labs/animus-runs/internal/platform/tracing"
	"github.com/animus-labs/animus-runs/internal/runtimeexec"
	"github.com/animus-labs/animus-runs/internal/service/runs"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
	"github.com/spf13/cobra"
)

type runFlags struct {
	file           string
	name           string
	params         []string
	hyperparams    []string
	hyperparamFile string
	paramFile      string
	selector       string
	kind           string
	handler        string
	url            string
	outPath        string
	inPath         string
	inputs         []string
	secrets        []string
	labels         []string
	concurrency    int
}

func runCmd(g *globals, u *ui) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command args...]",
		Short: "Dispatch a run or a hyper-parameter batch",
		Example: `  runner run --handler trainer --param epochs=5 --hyperparam lr=0.01,0.1 --selector max.accuracy
  runner run --kind local --name prep -- ./prep --fast`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := f.record(args)
			if err != nil {
				return err
			}
			logger := g.logger()
			traceCfg, err := tracing.ConfigFromEnv("runner")
			if err != nil {
				return err
			}
			shutdown, err := tracing.Setup(ctx, traceCfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			db, err := g.openDB(ctx)
			if err != nil {
				return err
			}
			if db != nil {
				defer func() { _ = db.Close() }()
			}
			storeCfg, err := platformstore.ConfigFromEnv()
			if err != nil {
				return fmt.Errorf("object store config: %w", err)
			}
			resolver := objectstore.NewResolverFromConfig(storeCfg)
			req, err := f.request(ctx, resolver, rec)
			if err != nil {
				return err
			}

			kind, err := runtimeexec.ParseKind(firstNonEmpty(f.kind, rec.Spec.Runtime.Kind, os.Getenv("RUNS_RUNTIME_KIND")))
			if err != nil {
				return err
			}
			rtCfg, err := runtimeexec.ConfigFromEnv()
			if err != nil {
				return err
			}
			rtCfg.Logger = logger
			rtCfg.Registry = handlers()
			rtCfg.DB = db
			rtCfg.DBURL = g.dbURL
			rtCfg.Resolver = resolver
			if f.handler != "" {
				rtCfg.Handler = f.handler
			}
			if f.url != "" {
				rtCfg.URL = f.url
			}
			if f.concurrency > 0 {
				rtCfg.Concurrency = f.concurrency
			}
			if kind == runtimeexec.KindRemote {
				clientCfg := auth.ClientConfigFromEnv()
				if err := clientCfg.Validate(); err != nil {
					return err
				}
				rtCfg.HTTPClient = clientCfg.HTTPClient(ctx, &http.Client{Timeout: rtCfg.Timeout})
			}
			exec, err := runtimeexec.New(kind, rtCfg)
			if err != nil {
				return err
			}

			svcCfg := runs.ConfigFromEnv()
			svcCfg.Project = g.project
			svc := runs.New(logger, exec, db, resolver, svcCfg)

			out, runErr := svc.Run(ctx, req)
			if out.Metadata.UID != "" {
				if err := g.printRecord(out); err != nil {
					return err
				}
				fmt.Fprintf(g.stderr, "%s %s %s\n", u.title("run"), out.Metadata.UID, u.state(out.Status.State))
			}
			return runErr
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "Run record file (yaml or json)")
	fl.StringVar(&f.name, "name", "", "Run name")
	fl.StringArrayVarP(&f.params, "param", "p", nil, "Parameter key=value (repeatable)")
	fl.StringArrayVarP(&f.hyperparams, "hyperparam", "x", nil, "Hyper parameter key=v1,v2,... (repeatable)")
	fl.StringVar(&f.hyperparamFile, "hyperparam-file", "", "YAML or JSON mapping of hyper parameter lists")
	fl.StringVar(&f.paramFile, "param-file", "", "CSV parameter table, one child run per row")
	fl.StringVar(&f.selector, "selector", "", "Best child criteria, e.g. max.accuracy")
	fl.StringVar(&f.kind, "kind", "", "Runtime: handler, local or remote")
	fl.StringVar(&f.handler, "handler", "", "Registered handler name")
	fl.StringVar(&f.url, "url", "", "Function URL for the remote runtime")
	fl.StringVar(&f.outPath, "out-path", "", "Default artifact output path")
	fl.StringVar(&f.inPath, "in-path", "", "Default input path")
	fl.StringArrayVarP(&f.inputs, "input", "i", nil, "Input object key=path (repeatable)")
	fl.StringArrayVarP(&f.secrets, "secret", "s", nil, "Secret source kind=source, e.g. file=./secrets.env or env=TOKEN (repeatable)")
	fl.StringArrayVarP(&f.labels, "label", "l", nil, "Label key=value (repeatable)")
	fl.IntVar(&f.concurrency, "concurrency", 0, "Parallel requests for remote batches")
	return cmd
}

// record builds the base run record from the file and flags. Flags win.
func (f *runFlags) record(args []string) (domain.RunRecord, error) {
	rec := domain.NewRunRecord("")
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return domain.RunRecord{}, fmt.Errorf("read run file: %w", err)
		}
		format := domain.FormatYAML
		if strings.EqualFold(filepath.Ext(f.file), ".json") {
			format = domain.FormatJSON
		}
		rec, err = domain.UnmarshalRecord(data, format)
		if err != nil {
			return domain.RunRecord{}, err
		}
	}
	if f.name != "" {
		rec.Metadata.Name = f.name
	}
	if rec.Metadata.Name == "" {
		rec.Metadata.Name = firstNonEmpty(f.handler, "run")
	}
	if f.handler != "" {
		rec.Spec.Runtime.Handler = f.handler
	}
	if f.kind != "" {
		rec.Spec.Runtime.Kind = f.kind
	}
	if len(args) > 0 {
		rec.Spec.Runtime.Command = args[0]
		rec.Spec.Runtime.Args = append([]string(nil), args[1:]...)
	}
	if f.outPath != "" {
		rec.Spec.DefaultOutputPath = f.outPath
	}
	if f.inPath != "" {
		rec.Spec.DefaultInputPath = f.inPath
	}

	for _, p := range f.params {
		k, v, err := splitPair(p, "param")
		if err != nil {
			return domain.RunRecord{}, err
		}
		rec.Spec.Parameters[k] = generator.ParseScalar(v)
	}
	for _, l := range f.labels {
		k, v, err := splitPair(l, "label")
		if err != nil {
			return domain.RunRecord{}, err
		}
		rec.Metadata.Labels[k] = v
	}
	for _, in := range f.inputs {
		k, v, err := splitPair(in, "input")
		if err != nil {
			return domain.RunRecord{}, err
		}
		rec.Spec.InputObjects = append(rec.Spec.InputObjects, domain.ObjectRef{Key: k, Path: v})
	}
	for _, s := range f.secrets {
		kind, source, err := splitPair(s, "secret")
		if err != nil {
			return domain.RunRecord{}, err
		}
		rec.Spec.SecretSources = append(rec.Spec.SecretSources, domain.SecretSource{Kind: kind, Source: source})
	}
	return rec, nil
}

func (f *runFlags) request(ctx context.Context, resolver *objectstore.Resolver, rec domain.RunRecord) (runs.Request, error) {
	req := runs.Request{Record: rec, ParamFile: f.paramFile, Selector: f.selector}
	if len(f.hyperparams) > 0 {
		params, err := generator.ParseGridFlags(f.hyperparams)
		if err != nil {
			return runs.Request{}, err
		}
		req.Hyperparams = params
	}
	if f.hyperparamFile != "" {
		data, err := resolver.ReadAll(ctx, f.hyperparamFile)
		if err != nil {
			return runs.Request{}, fmt.Errorf("read hyperparam file: %w", err)
		}
		params, err := generator.ParseGrid(data)
		if err != nil {
			return runs.Request{}, err
		}
		req.Hyperparams = append(req.Hyperparams, params...)
	}
	return req, nil
}

func handlers() *runtimeexec.Registry {
	r := runtimeexec.NewRegistry()
	r.Register(trainer.Name, trainer.Train)
	return r
}

func splitPair(s string, what string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return "", "", domain.Validationf("%s must be key=value, got %q", what, s)
	}
	return k, strings.TrimSpace(v), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
