package main

import (
	"context"
	"net"
	"strings"

	"github.com/Nystya/two-phase-commit/controller"
	"github.com/Nystya/two-phase-commit/logger"
	"github.com/Nystya/two-phase-commit/repository/database"
	"github.com/Nystya/two-phase-commit/repository/messaging"
	"github.com/Nystya/two-phase-commit/service"
	"github.com/Nystya/two-phase-commit/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var participantIDs = []string{"P1", "P2", "P3"}

// Boots a coordinator and three participants on loopback and walks through
// a commit, an injected NO vote, a crashed participant and two back-to-back commits.
func main() {
	zlog, err := logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stderr", Service: "demo"})
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()

	// Protocol chatter stays at warn; the walkthrough itself logs at info.
	quiet := zlog.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

	ctx := context.Background()
	tel := telemetry.Noop()

	coordinator, err := service.NewTPCCoordinator(
		service.NewRegistry(database.NewMemoryDatabase()), service.DialParticipant, quiet, tel)
	if err != nil {
		zlog.Fatal("Could not create coordinator", zap.Error(err))
	}
	defer coordinator.Close()

	coordinatorAddr, coordinatorServer := listen(zlog, controller.NewCoordinatorGRPCServer(coordinator, quiet))
	defer coordinatorServer.Stop()

	link, err := messaging.NewCoordinatorClient(coordinatorAddr)
	if err != nil {
		zlog.Fatal("Could not reach coordinator", zap.Error(err))
	}
	defer link.Close()

	participants := make(map[string]*service.TPCParticipant)
	for _, id := range participantIDs {
		p, err := service.NewTPCParticipant(service.ParticipantConfig{ID: id}, quiet, tel)
		if err != nil {
			zlog.Fatal("Could not create participant", zap.String("participant", id), zap.Error(err))
		}

		addr, server := listen(zlog, controller.NewParticipantGRPCServer(p, quiet))
		defer server.Stop()

		if _, err := p.Announce(ctx, link, addr); err != nil {
			zlog.Fatal("Could not register participant", zap.String("participant", id), zap.Error(err))
		}

		participants[id] = p
	}

	zlog.Info("A: all participants vote YES")
	run(ctx, zlog, coordinator, "x=1")
	printLogs(zlog, participants)

	zlog.Info("B: P2 always votes NO")
	_ = participants["P2"].SetFailureRate(1)
	run(ctx, zlog, coordinator, "y=2")
	_ = participants["P2"].SetFailureRate(0)
	printLogs(zlog, participants)

	zlog.Info("C: P2 is crashed")
	participants["P2"].SetCrashed(true)
	run(ctx, zlog, coordinator, "z=3")
	participants["P2"].Recover()
	missing, err := participants["P2"].SyncHistory(ctx, link)
	if err != nil {
		zlog.Warn("History sync failed", zap.Error(err))
	} else {
		zlog.Info("P2 recovered", zap.Int("missed_decisions", len(missing)))
	}
	printLogs(zlog, participants)

	zlog.Info("D: two commits in a row")
	run(ctx, zlog, coordinator, "a=1")
	run(ctx, zlog, coordinator, "b=2")
	printLogs(zlog, participants)
}

func listen(zlog *zap.Logger, server *grpc.Server) (string, *grpc.Server) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		zlog.Fatal("Failed to start listening", zap.Error(err))
	}

	go func() {
		if err := server.Serve(lis); err != nil {
			zlog.Warn("Server stopped", zap.Error(err))
		}
	}()

	return lis.Addr().String(), server
}

func run(ctx context.Context, zlog *zap.Logger, coordinator *service.TPCCoordinator, text string) {
	payload, err := controller.ParsePayload(text)
	if err != nil {
		zlog.Warn("Bad payload", zap.String("payload", text), zap.Error(err))
		return
	}

	tx, err := coordinator.BeginTransaction(ctx, payload)
	if err != nil {
		zlog.Warn("Transaction failed", zap.Error(err))
		return
	}

	zlog.Info("Transaction finished",
		zap.String("tx_id", tx.ID),
		zap.String("state", string(tx.State)),
		zap.Any("votes", tx.Votes),
		zap.Any("acks", tx.Acks),
	)
}

func printLogs(zlog *zap.Logger, participants map[string]*service.TPCParticipant) {
	for _, id := range participantIDs {
		entries := make([]string, 0)
		for _, e := range participants[id].Log() {
			entries = append(entries, shortID(e.TxID)+":"+string(e.Decision))
		}

		zlog.Info("Participant log", zap.String("participant", id), zap.String("entries", strings.Join(entries, " ")))
	}
}

func shortID(txID string) string {
	if len(txID) > 8 {
		return txID[:8]
	}

	return txID
}
