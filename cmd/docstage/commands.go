// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-docstage"
	"github.com/elastic/go-docstage/s3stage"
)

const defaultPort = "9200"

// options holds the command line flags. Flags that are set override the
// configuration file.
type options struct {
	configPath  string
	envFile     string
	logLevel    string
	stageDir    string
	indices     []string
	pacing      time.Duration
	concurrency int
	strict      bool

	header        string
	includeID     bool
	pageSize      int
	pattern       string
	includeHidden bool

	batchSize  int
	maxRetries int
	omitNulls  bool
	noRefresh  bool
}

func newRootCommand() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:   "docstage",
		Short: "Export indices to CSV tables and import them back",
		Long: `docstage moves documents between an Elasticsearch or OpenSearch cluster
and CSV tables, one table per index.

Cluster credentials are read from the configuration file, and can be
overridden with the OPENSEARCH_SOURCE_HOST, OPENSEARCH_SOURCE_USER,
OPENSEARCH_SOURCE_PASS, OPENSEARCH_TARGET_HOST, OPENSEARCH_TARGET_USER and
OPENSEARCH_TARGET_PASS environment variables, or a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "docstage.yaml", "configuration file")
	pf.StringVar(&opts.envFile, "env-file", ".env", "file to load environment variables from")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&opts.stageDir, "dir", "", "directory holding the tables")
	pf.StringSliceVarP(&opts.indices, "index", "i", nil, "index to process, may be repeated")
	pf.DurationVar(&opts.pacing, "pacing", defaultPacing, "delay between the start of two indices")
	pf.IntVar(&opts.concurrency, "concurrency", 1, "number of indices processed concurrently")
	pf.BoolVar(&opts.strict, "strict", false, "exit with an error if any index failed")

	root.AddCommand(newExportCommand(&opts), newImportCommand(&opts))
	return root
}

func newExportCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every document of the source indices to tables",
		Example: `  docstage export                       # every index of the source cluster
  docstage export -i orders -i users     # selected indices
  docstage export --header union --id    # keep late fields and document IDs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.header, "header", "", "header mode (first_batch, union)")
	f.BoolVar(&opts.includeID, "id", false, "add an _id column with the document IDs")
	f.IntVar(&opts.pageSize, "page-size", 0, "documents per scroll page")
	f.StringVar(&opts.pattern, "pattern", "", "index expression used to list the source indices")
	f.BoolVar(&opts.includeHidden, "hidden", false, "include hidden indices when listing")
	return cmd
}

func newImportCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Index the rows of the staged tables into the target cluster",
		Example: `  docstage import                        # every table of the stage
  docstage import -i orders --batch-size 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.batchSize, "batch-size", 0, "documents per bulk request, 0 sends each table at once")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "retries of documents rejected with 429")
	f.BoolVar(&opts.omitNulls, "omit-nulls", false, "leave empty cells out of the documents")
	f.BoolVar(&opts.noRefresh, "no-refresh", false, "do not refresh the target index after each bulk request")
	return cmd
}

// apply overrides cfg with the flags set on cmd.
func (o *options) apply(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if changed("dir") {
		cfg.Stage.Dir = o.stageDir
	}
	if changed("index") {
		cfg.Indices = o.indices
	}
	if changed("pacing") {
		cfg.Pacing = o.pacing
	}
	if changed("concurrency") {
		cfg.Concurrency = o.concurrency
	}
	if changed("header") {
		cfg.Header = o.header
	}
	if changed("id") {
		cfg.IncludeID = o.includeID
	}
	if changed("page-size") {
		cfg.PageSize = o.pageSize
	}
	if changed("pattern") {
		cfg.Pattern = o.pattern
	}
	if changed("hidden") {
		cfg.IncludeHidden = o.includeHidden
	}
	if changed("batch-size") {
		cfg.BulkBatchSize = o.batchSize
	}
	if changed("max-retries") {
		cfg.MaxRetries = o.maxRetries
	}
	if changed("omit-nulls") {
		cfg.OmitNulls = o.omitNulls
	}
	if changed("no-refresh") {
		cfg.DisableRefresh = o.noRefresh
	}
}

// prepare loads the configuration and builds the library configuration
// and logger shared by both commands.
func prepare(cmd *cobra.Command, opts *options) (Config, docstage.Config, error) {
	if err := loadEnvFile(opts.envFile); err != nil {
		return Config{}, docstage.Config{}, err
	}
	cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return cfg, docstage.Config{}, err
	}
	cfg.applyEnv(os.Getenv)
	opts.apply(cmd, &cfg)

	libCfg, err := cfg.stageConfig()
	if err != nil {
		return cfg, libCfg, err
	}
	libCfg.Logger, err = newLogger(cfg.LogLevel)
	if err != nil {
		return cfg, libCfg, err
	}
	if os.Getenv("ELASTIC_APM_SERVER_URL") != "" {
		libCfg.Tracer = apm.DefaultTracer()
	}
	libCfg.Stage, err = newStage(cmd.Context(), cfg.Stage)
	if err != nil {
		return cfg, libCfg, err
	}
	return cfg, libCfg, nil
}

func runExport(cmd *cobra.Command, opts *options) error {
	cfg, libCfg, err := prepare(cmd, opts)
	if err != nil {
		return err
	}
	defer libCfg.Logger.Sync()

	transport, err := newTransport(cfg.Source)
	if err != nil {
		return err
	}
	if libCfg.Indices == nil {
		libCfg.Indices = docstage.CatalogIndices{
			Client:        transport,
			Pattern:       cfg.Pattern,
			IncludeHidden: cfg.IncludeHidden,
		}
	}
	exporter, err := docstage.NewExporter(transport, libCfg)
	if err != nil {
		return err
	}
	report, err := exporter.Run(cmd.Context())
	return finish(cmd.OutOrStdout(), "export", report, err, opts.strict)
}

func runImport(cmd *cobra.Command, opts *options) error {
	cfg, libCfg, err := prepare(cmd, opts)
	if err != nil {
		return err
	}
	defer libCfg.Logger.Sync()

	transport, err := newTransport(cfg.Target)
	if err != nil {
		return err
	}
	importer, err := docstage.NewImporter(transport, libCfg)
	if err != nil {
		return err
	}
	report, err := importer.Run(cmd.Context())
	return finish(cmd.OutOrStdout(), "import", report, err, opts.strict)
}

// finish prints the report and decides on the command error.
func finish(w io.Writer, op string, report docstage.Report, runErr error, strict bool) error {
	printReport(w, op, report)
	if runErr != nil {
		return runErr
	}
	if n := len(report.Failed()); strict && n > 0 {
		return fmt.Errorf("%d of %d indices failed", n, len(report.Results))
	}
	return nil
}

func printReport(w io.Writer, op string, report docstage.Report) {
	skipped := 0
	for _, res := range report.Results {
		switch {
		case res.Status == docstage.StatusFailed:
			fmt.Fprintf(w, "FAILED   %s: %v\n", res.Index, res.Err)
		case res.Status == docstage.StatusPending:
			fmt.Fprintf(w, "PENDING  %s\n", res.Index)
		case res.Skipped:
			skipped++
			fmt.Fprintf(w, "SKIPPED  %s: %v\n", res.Index, res.Err)
		default:
			fmt.Fprintf(w, "OK       %s: %d documents in %s\n", res.Index, res.Documents, res.Took.Round(time.Millisecond))
		}
	}
	fmt.Fprintf(w, "%s finished: %d succeeded (%d skipped), %d failed, %d pending, %d documents\n",
		op,
		len(report.Succeeded()), skipped,
		len(report.Failed()),
		len(report.Pending()),
		report.Documents(),
	)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.Level = lvl
	}
	return cfg.Build(zap.WrapCore((&apmzap.Core{}).WrapCore))
}

func newStage(ctx context.Context, cfg StageConfig) (docstage.Stage, error) {
	if cfg.S3.Bucket == "" {
		return docstage.LocalStage{Dir: cfg.Dir}, nil
	}
	return s3stage.New(ctx, s3stage.Config{
		Bucket:          cfg.S3.Bucket,
		Prefix:          cfg.S3.Prefix,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		Dir:             cfg.Dir,
	})
}

// normalizeHost turns a bare host name into an https URL on the default
// port.
func normalizeHost(host string) (*url.URL, error) {
	if host == "" {
		return nil, fmt.Errorf("cluster host is empty")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster host: %w", err)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return u, nil
}

// newTransport returns a transport to the cluster. It does not check the
// server product, so it works with OpenSearch as well.
func newTransport(cfg ClusterConfig) (*elastictransport.Client, error) {
	u, err := normalizeHost(cfg.Host)
	if err != nil {
		return nil, err
	}
	rt := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	transport, err := elastictransport.New(elastictransport.Config{
		URLs:      []*url.URL{u},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: apmelasticsearch.WrapRoundTripper(rt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return transport, nil
}
