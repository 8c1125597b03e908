package controller

import (
	"context"
	"strings"
	"time"

	"github.com/Nystya/two-phase-commit/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const participantMethodPrefix = "/twopc.Participant/"

// CrashGuard refuses every participant protocol call while crashed reports true.
// The listener stays up; callers see Unavailable.
func CrashGuard(participantID string, crashed func() bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, participantMethodPrefix) && crashed() {
			return nil, status.Error(codes.Unavailable, (&domain.CrashedError{ParticipantID: participantID}).Error())
		}

		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every unary call at debug level, failures at warn.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}

		if err != nil {
			logger.Warn("RPC failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("RPC served", fields...)
		}

		return resp, err
	}
}
