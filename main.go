package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nystya/two-phase-commit/config"
	"github.com/Nystya/two-phase-commit/controller"
	"github.com/Nystya/two-phase-commit/logger"
	"github.com/Nystya/two-phase-commit/repository/database"
	"github.com/Nystya/two-phase-commit/repository/messaging"
	"github.com/Nystya/two-phase-commit/service"
	"github.com/Nystya/two-phase-commit/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:])
	if err != nil {
		log.Fatalln("Could not read config: ", err.Error())
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalln("Invalid config: ", err.Error())
	}

	zlog, err := logger.New(cfg.Logger())
	if err != nil {
		log.Fatalln("Could not create logger: ", err.Error())
	}
	defer zlog.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry())
	if err != nil {
		zlog.Fatal("Could not set up telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlog.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Role {
	case config.RoleCoordinator:
		err = runCoordinator(ctx, cfg, zlog, tel)
	case config.RoleParticipant:
		err = runParticipant(ctx, cfg, zlog, tel)
	}

	if err != nil {
		zlog.Error("Stopped with error", zap.Error(err))
	}
}

func runCoordinator(ctx context.Context, cfg *config.Config, zlog *zap.Logger, tel *telemetry.Telemetry) error {
	registry := service.NewRegistry(database.NewMemoryDatabase())

	coordinator, err := service.NewTPCCoordinator(registry, service.DialParticipant, zlog, tel)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	server := controller.NewCoordinatorGRPCServer(coordinator, zlog)
	if err := serve(server, cfg.Address(), zlog); err != nil {
		return err
	}
	defer server.GracefulStop()

	if cfg.Console {
		return controller.RunConsole(ctx, "coordinator> ", controller.NewCoordinatorConsole(coordinator), zlog)
	}

	<-ctx.Done()
	return nil
}

func runParticipant(ctx context.Context, cfg *config.Config, zlog *zap.Logger, tel *telemetry.Telemetry) error {
	participant, err := service.NewTPCParticipant(service.ParticipantConfig{
		ID:           cfg.ID,
		FailureRate:  cfg.FailureRate,
		ManualVoting: cfg.ManualVote,
	}, zlog, tel)
	if err != nil {
		return err
	}

	server := controller.NewParticipantGRPCServer(participant, zlog)
	if err := serve(server, cfg.Address(), zlog); err != nil {
		return err
	}
	defer server.Stop()

	link, err := messaging.NewCoordinatorClient(cfg.Coordinator)
	if err != nil {
		return err
	}
	defer link.Close()

	announceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = participant.Announce(announceCtx, link, cfg.Address())
	cancel()
	if err != nil {
		zlog.Warn("Could not register with coordinator, use recover to retry", zap.String("coordinator", cfg.Coordinator), zap.Error(err))
	}

	if cfg.Console {
		console := controller.NewParticipantConsole(participant, link, cfg.Address())
		return controller.RunConsole(ctx, cfg.ID+"> ", console, zlog)
	}

	<-ctx.Done()
	return nil
}

func serve(server *grpc.Server, address string, zlog *zap.Logger) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	zlog.Info("Listening", zap.String("address", lis.Addr().String()))

	go func() {
		if err := server.Serve(lis); err != nil {
			zlog.Error("Server stopped", zap.Error(err))
		}
	}()

	return nil
}
