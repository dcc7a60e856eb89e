package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/malcare/internal/auth"
	"github.com/example/malcare/internal/cache"
	"github.com/example/malcare/internal/handlers"
	"github.com/example/malcare/internal/metrics"
	"github.com/example/malcare/internal/prediction"
	"github.com/example/malcare/internal/usecase"
	"github.com/example/malcare/internal/wallet"
)

const integrationSecret = "integration-secret"

// blockingPredictions holds a payout open until released.
type blockingPredictions struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingPredictions) Submit(ctx context.Context, sub usecase.Submission) (*usecase.SubmitResult, error) {
	return nil, prediction.ErrBackendUnavailable
}

func (b *blockingPredictions) List(ctx context.Context, owner string, filter prediction.Filter) ([]prediction.Record, error) {
	return nil, nil
}

func (b *blockingPredictions) Summary(ctx context.Context, owner string) (prediction.Summary, error) {
	return prediction.Summary{}, nil
}

func (b *blockingPredictions) Get(ctx context.Context, owner string, id uint64) (*prediction.Record, error) {
	return nil, prediction.ErrRecordNotFound
}

func (b *blockingPredictions) Payout(ctx context.Context, owner string, id uint64, handle wallet.Handle) (*prediction.Record, error) {
	select {
	case <-b.started:
	default:
		close(b.started)
	}
	<-b.release
	return &prediction.Record{ID: id, Owner: owner, Status: prediction.StatusCompleted, TransactionID: "tx_1_abcdef123"}, nil
}

func TestServerGracefulShutdownCompletesPayout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	predictions := &blockingPredictions{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-predictions.release:
		default:
			close(predictions.release)
		}
	}()

	kv := cache.NewMemory()
	wallets := wallet.NewStore(kv)
	if _, err := wallets.Connect(context.Background(), "ii:alice", "acct_1234567890abcdef"); err != nil {
		t.Fatalf("connect wallet: %v", err)
	}

	router := newRouter(handlers.Routes{
		Predictions: predictions,
		Wallets:     wallets,
		Auth:        auth.JWTMiddleware(integrationSecret, "", auth.NewCacheRevoker(kv)),
		Logger:      logger,
	}, metrics.NewManager())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	token := signIntegrationToken(t)
	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/predictions/1/payout", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-predictions.started:
	case <-time.After(2 * time.Second):
		t.Fatal("payout did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(predictions.release)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), "tx_1_abcdef123") {
			t.Fatalf("payout response missing transaction id: %s", string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func signIntegrationToken(t *testing.T) string {
	t.Helper()
	token, err := auth.SignToken(integrationSecret, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "integration-session",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Provider:  string(auth.ProviderInternetIdentity),
		Principal: "alice",
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
