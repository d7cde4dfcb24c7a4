// Command secmgr runs the device trust manager: the admin API server,
// the synchronization engine and a credential store selected by URI.
// With --stub-devices it also spins up an in-memory device fleet, so
// the whole claiming flow can be exercised without hardware.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/appregistry"
	"github.com/ruteri/device-trust-manager/common"
	"github.com/ruteri/device-trust-manager/httpserver"
	"github.com/ruteri/device-trust-manager/secmgr"
	"github.com/ruteri/device-trust-manager/storage"
	"github.com/ruteri/device-trust-manager/syncer"
	"github.com/ruteri/device-trust-manager/transport/stub"
	"github.com/ruteri/device-trust-manager/trustroot"
	"github.com/urfave/cli/v2"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the admin API",
	},
	&cli.StringFlag{
		Name:  "storage",
		Value: "mem://",
		Usage: "credential store URI (mem://, file://path, s3://bucket/prefix, vault://host/mount/path)",
	},
	&cli.StringFlag{
		Name:  "master-key",
		Value: "",
		Usage: "hex-encoded 32-byte trust anchor master key",
	},
	&cli.StringFlag{
		Name:  "master-passphrase",
		Value: "",
		Usage: "derive the master key from a passphrase (alternative to master-key)",
	},
	&cli.StringFlag{
		Name:  "master-salt",
		Value: "device-trust-manager",
		Usage: "salt for passphrase derivation, must stay stable across restarts",
	},
	&cli.IntFlag{
		Name:  "stub-devices",
		Value: 0,
		Usage: "number of simulated claimable devices to start",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:   "secmgr",
		Usage:  "Manage a trust domain for a fleet of networked devices",
		Flags:  flags,
		Action: runSecurityManager,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runSecurityManager(cCtx *cli.Context) error {
	listenAddr := cCtx.String("listen-addr")
	storageURI := cCtx.String("storage")
	stubDevices := cCtx.Int("stub-devices")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})

	if cCtx.Bool("log-uid") {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}

	anchor, err := makeTrustAnchor(cCtx)
	if err != nil {
		logger.Error("Failed to create trust anchor", "err", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Opening credential store", "uri", storageURI)
	store, err := storage.NewStoreFactory(logger).StoreFor(ctx, storageURI)
	if err != nil {
		logger.Error("Failed to open credential store", "err", err)
		return err
	}

	registry := appregistry.New(store, logger)
	store.SetIntentObserver(registry)

	fleet := stub.NewFleet()
	engine := syncer.New(store, registry, fleet, anchor, logger)
	manager := secmgr.New(secmgr.Config{
		Store:     store,
		Registry:  registry,
		Transport: fleet,
		Issuer:    anchor,
		Syncer:    engine,
		Log:       logger,
	})

	engine.Start(ctx)

	for i := 0; i < stubDevices; i++ {
		device, err := fleet.AddDevice(fmt.Sprintf("stub-device-%d", i), nil)
		if err != nil {
			logger.Error("Failed to create stub device", "err", err)
			return err
		}
		device.Announce(ctx, registry)
		logger.Info("Stub device announced",
			"app", device.Key().String(), "address", device.Address().String())
	}

	handler := httpserver.NewHandler(httpserver.HandlerConfig{
		Store:       store,
		Registry:    registry,
		Manager:     manager,
		Syncer:      engine,
		RootOfTrust: anchor.RootOfTrust(),
		Log:         logger,
	})
	defer handler.Close()

	server := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		EnablePprof:              enablePprof,
		Log:                      logger,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")

	cancel()
	server.Shutdown()
	return nil
}

// makeTrustAnchor builds the domain authority from --master-key or
// --master-passphrase.
func makeTrustAnchor(cCtx *cli.Context) (*trustroot.TrustAnchor, error) {
	masterKeyHex := cCtx.String("master-key")
	passphrase := cCtx.String("master-passphrase")

	switch {
	case masterKeyHex != "":
		masterKey, err := hex.DecodeString(masterKeyHex)
		if err != nil || len(masterKey) != 32 {
			return nil, fmt.Errorf("master-key must be 64 hex chars (32 bytes): %v", err)
		}
		return trustroot.NewTrustAnchor(masterKey)
	case passphrase != "":
		return trustroot.NewTrustAnchorFromPassphrase([]byte(passphrase), []byte(cCtx.String("master-salt")))
	default:
		return nil, errors.New("either master-key or master-passphrase is required")
	}
}
