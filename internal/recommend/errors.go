package recommend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error classes surfaced to callers of the recommendation flow.
var (
	ErrRateLimited   = errors.New("recommendation rate limited")
	ErrMisconfigured = errors.New("recommendation service misconfigured")
	ErrUnavailable   = errors.New("recommendation service unavailable")
	ErrNetwork       = errors.New("recommendation network failure")
	ErrFailed        = errors.New("recommendation failed")
)

var classes = []error{ErrRateLimited, ErrMisconfigured, ErrUnavailable, ErrNetwork, ErrFailed}

// Classify wraps err with the class it belongs to. Errors that already carry a
// class and context cancellation are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, class := range classes {
		if errors.Is(err, class) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", classOf(err), err)
}

func classOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.ResourceExhausted:
			return ErrRateLimited
		case codes.FailedPrecondition, codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented:
			return ErrMisconfigured
		case codes.Unavailable:
			if strings.Contains(st.Message(), "connection error") {
				return ErrNetwork
			}
			return ErrUnavailable
		case codes.DeadlineExceeded:
			return ErrNetwork
		default:
			return ErrFailed
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}

	// Provider errors arrive as text from HTTP-based model clients.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ErrRateLimited
	case strings.Contains(msg, "api key"), strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"):
		return ErrMisconfigured
	case strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"), strings.Contains(msg, "unavailable"):
		return ErrUnavailable
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "timeout"):
		return ErrNetwork
	}
	return ErrFailed
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMisconfigured):
		return "service_misconfigured"
	case errors.Is(err, ErrUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	default:
		return "recommendation_failed"
	}
}

// UserMessage returns the message shown to the customer for err.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "Você enviou muitas mensagens em pouco tempo. Aguarde alguns instantes e tente novamente."
	case errors.Is(err, ErrMisconfigured):
		return "O consultor de fragrâncias não está configurado no momento. Tente novamente mais tarde."
	case errors.Is(err, ErrUnavailable):
		return "O consultor de fragrâncias está temporariamente indisponível. Tente novamente em instantes."
	case errors.Is(err, ErrNetwork):
		return "Não foi possível se conectar ao consultor. Verifique sua conexão e tente novamente."
	default:
		return "Não foi possível processar sua mensagem. Tente novamente."
	}
}
