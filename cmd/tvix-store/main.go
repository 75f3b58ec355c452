package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"code.tvl.fyi/tvix/store-go/pkg/castore/blobservice"
	"code.tvl.fyi/tvix/store-go/pkg/castore/directoryservice"
	"code.tvl.fyi/tvix/store-go/pkg/pathinfoservice"
	log "github.com/sirupsen/logrus"
)

// `help:"A content-addressed store for Nix-shaped things"`
var cli struct {
	LogLevel string `enum:"trace,debug,info,warn,error,fatal,panic" help:"The log level to log with" default:"info"`

	BlobServiceAddr      string `name:"blob-service-addr" help:"The address of the blob service" default:"memory://"`
	DirectoryServiceAddr string `name:"directory-service-addr" help:"The address of the directory service" default:"memory://"`
	PathInfoServiceAddr  string `name:"path-info-service-addr" help:"The address of the path info service" default:"memory://"`

	Import ImportCmd `cmd:"" help:"Import a local path into the store and print its store path"`
	Export ExportCmd `cmd:"" help:"Write the NAR of a store path to stdout"`
	Keygen KeygenCmd `cmd:"" help:"Generate a signing keypair"`
}

// exit codes, by error category.
const (
	exitUsage    = 2
	exitNotFound = 3
	exitFailure  = 1
)

type services struct {
	blobService      blobservice.BlobService
	directoryService directoryservice.DirectoryService
	pathInfoService  pathinfoservice.PathInfoService
}

func openServices() (*services, error) {
	blobService, err := blobservice.FromAddr(cli.BlobServiceAddr)
	if err != nil {
		return nil, err
	}
	directoryService, err := directoryservice.FromAddr(cli.DirectoryServiceAddr)
	if err != nil {
		return nil, err
	}
	pathInfoService, err := pathinfoservice.FromAddr(cli.PathInfoServiceAddr)
	if err != nil {
		return nil, err
	}
	return &services{
		blobService:      blobService,
		directoryService: directoryService,
		pathInfoService:  pathInfoService,
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	parseCtx := kong.Parse(&cli, kong.BindTo(ctx, (*context.Context)(nil)))

	logLevel, err := log.ParseLevel(cli.LogLevel)
	if err != nil {
		log.Panic("invalid log level")
		return
	}
	log.SetLevel(logLevel)

	if err := parseCtx.Run(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var notFound *notFoundError
	switch {
	case errors.As(err, &notFound):
		return exitNotFound
	case errors.Is(err, blobservice.ErrUnsupportedScheme),
		errors.Is(err, directoryservice.ErrUnsupportedScheme),
		errors.Is(err, pathinfoservice.ErrUnsupportedScheme):
		return exitUsage
	default:
		return exitFailure
	}
}

// notFoundError marks "no such object" failures, which carry their own
// exit code.
type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string {
	return e.msg
}
