package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "k8s.io/klog/v2"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/bulk"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/config"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/harvest"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/ops"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/runmetrics"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/version"
)

func main() {
	log.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	staticAttributes, err := config.LoadStaticAttributes(cfg.StaticAttributesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load static attributes: %s\n", err.Error())
		os.Exit(1)
	}

	log.Info("---ADO Pipeline Harvester---")
	log.Infof("App version: %q. GitSHA: %q", version.VERSION, version.REVISION)
	log.Infof("Go Version: %s", runtime.Version())
	log.Infof("Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	log.Infof("Azure DevOps organization: %q (%s)", cfg.Organization, cfg.ADOURL)
	log.Infof("Bulk ingest endpoint: %s", cfg.BulkIngestURL)
	log.Infof("Metrics ingest endpoint: %s", cfg.MetricsIngestURL)

	upstream, err := devops.NewClient(cfg.ADOURL, cfg.Organization, cfg.ADOAccessToken, cfg.RequestTimeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	bulkClient := bulk.NewClient(cfg.BulkIngestURL, cfg.CloudObsAccessToken, cfg.RequestTimeout)
	metricsClient := runmetrics.NewClient(cfg.MetricsIngestURL, cfg.CloudObsAccessToken, cfg.RequestTimeout)
	reporter := runmetrics.NewReporter(upstream, metricsClient, cfg.Organization, staticAttributes)

	harvester := harvest.New(harvest.Config{
		Organization:         cfg.Organization,
		PollInterval:         cfg.PollInterval,
		CacheRefreshInterval: cfg.CacheRefreshInterval,
		FlushThreshold:       cfg.FlushThresholdBytes,
		StaticAttributes:     staticAttributes,
	}, upstream, upstream, bulkClient, reporter)

	opsServer := ops.Server{Port: cfg.OpsPort}
	go opsServer.InitHTTP()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := harvester.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
		log.Exitf("harvester stopped: %v", err)
	}
}
