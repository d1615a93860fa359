package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/api"
	"github.com/NadimPy/vm-provisioner/internal/catalog"
	"github.com/NadimPy/vm-provisioner/internal/config"
	"github.com/NadimPy/vm-provisioner/internal/coordinator"
	"github.com/NadimPy/vm-provisioner/internal/database"
	"github.com/NadimPy/vm-provisioner/internal/diskmgr"
	"github.com/NadimPy/vm-provisioner/internal/hypervisor"
	"github.com/NadimPy/vm-provisioner/internal/ipresolver"
	"github.com/NadimPy/vm-provisioner/internal/natmgr"
	"github.com/NadimPy/vm-provisioner/internal/portalloc"
	"github.com/NadimPy/vm-provisioner/internal/seedbuilder"
)

func main() {
	logger, _ := zap.NewProduction()
	if os.Getenv("PROVISIONER_ENVIRONMENT") == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("starting vm-provisioner...")

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("failed to load configuration: %v", err)
	}
	sugar.Infof("loaded configuration for environment: %s", cfg.Environment)

	db, err := database.New(cfg.Database)
	if err != nil {
		sugar.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		sugar.Fatalf("failed to run migrations: %v", err)
	}
	sugar.Info("database migrations completed")

	cat := catalog.NewPostgresCatalog(db.Pool)

	conn, err := hypervisor.Dial(cfg.Libvirt.SocketPath, cfg.Libvirt.ConnectTimeout)
	if err != nil {
		sugar.Fatalf("failed to connect to libvirt: %v", err)
	}
	defer conn.Close()

	domains := hypervisor.New(conn, cfg.Network.VMNetwork, logger)
	nat := natmgr.New(logger)
	ports := portalloc.New(cat, cfg.Network.StartPort, cfg.Network.EndPort)
	disks := diskmgr.New(cfg.Paths.InstanceDir)
	seeds := seedbuilder.New(cfg.Paths.CloudInitDir)
	ips := ipresolver.New(domains, ipresolver.Config{
		Timeout:         time.Duration(cfg.IPResolver.TimeoutSeconds) * time.Second,
		PollInterval:    time.Duration(cfg.IPResolver.PollIntervalSeconds) * time.Second,
		AgentGraceTime:  time.Duration(cfg.IPResolver.AgentGraceSeconds) * time.Second,
		DnsmasqLeaseDir: cfg.Libvirt.LeaseDir,
		Network:         cfg.Network.VMNetwork,
	}, logger)

	coord := coordinator.New(cat, ports, disks, seeds, domains, ips, nat, cfg, logger)

	restoreNATRules(cat, nat, logger)

	server := api.NewServer(cfg, db, cat, coord, domains, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sugar.Infof("server listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Fatalf("server forced to shutdown: %v", err)
	}

	sugar.Info("server exited properly")
}

// restoreNATRules re-installs forwarding for every VM the catalog
// believes is live, since a host reboot wipes the iptables tables
// libvirt and this process both depend on.
func restoreNATRules(cat catalog.Catalog, nat *natmgr.Manager, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vms, err := cat.ListAllVMs(ctx)
	if err != nil {
		logger.Warn("failed to list vms for nat restore", zap.Error(err))
		return
	}

	forwards := make([]natmgr.PortForward, 0, len(vms))
	for _, vm := range vms {
		forwards = append(forwards, natmgr.PortForward{HostPort: vm.HostPort, VMIP: vm.IP})
	}

	restored := nat.Restore(ctx, forwards)
	logger.Info("restored nat rules on startup", zap.Int("restored", restored), zap.Int("catalog_vms", len(vms)))
}
