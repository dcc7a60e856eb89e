package grpcclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/malcare/internal/prediction"
)

type classifierServer interface {
	Classify(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	ClassifyStage(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

func unaryHandler(call func(classifierServer, context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(srv.(classifierServer), ctx, in)
	}
}

var classifierDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*classifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: unaryHandler(classifierServer.Classify)},
		{MethodName: "ClassifyStage", Handler: unaryHandler(classifierServer.ClassifyStage)},
	},
}

type fakeBackend struct {
	mu        sync.Mutex
	primary   map[string]any
	stage     map[string]any
	primErr   error
	received  [][]byte
	stageHits int
}

func (f *fakeBackend) Classify(_ context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, in.GetValue())
	if f.primErr != nil {
		return nil, f.primErr
	}
	return structpb.NewStruct(f.primary)
}

func (f *fakeBackend) ClassifyStage(_ context.Context, _ *wrapperspb.BytesValue) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageHits++
	return structpb.NewStruct(f.stage)
}

func startBackend(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&classifierDesc, backend)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client := New(Options{
		Addr:        "passthrough:///bufnet",
		DialTimeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClassifyDecodesTaggedResults(t *testing.T) {
	backend := &fakeBackend{
		primary: map[string]any{"Ok": []any{2, "Positive", 0.94}},
		stage:   map[string]any{"Ok": []any{"Trophozoite", 0.81}},
	}
	client := startBackend(t, backend)

	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got, err := client.Classify(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.ClassIndex != 2 || got.Label != "Positive" || got.Score != 0.94 {
		t.Fatalf("unexpected classification %+v", got)
	}
	if len(backend.received) != 1 || string(backend.received[0]) != string([]byte{1, 2, 3}) {
		t.Fatalf("backend did not receive the image bytes: %v", backend.received)
	}

	stage, err := client.ClassifyStage(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("classify stage: %v", err)
	}
	if stage.Label != "Trophozoite" || stage.Confidence != 0.81 {
		t.Fatalf("unexpected stage %+v", stage)
	}
}

func TestClassifyReportsErrTagVerbatim(t *testing.T) {
	client := startBackend(t, &fakeBackend{primary: map[string]any{"Err": "model_unavailable"}})

	_, err := client.Classify(context.Background(), []byte("img"))
	if !errors.Is(err, prediction.ErrClassificationFailed) {
		t.Fatalf("expected classification failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "model_unavailable") {
		t.Fatalf("expected backend message in error, got %v", err)
	}
}

func TestClassifyRejectsUntaggedResponse(t *testing.T) {
	client := startBackend(t, &fakeBackend{primary: map[string]any{"label": "Positive"}})

	_, err := client.Classify(context.Background(), []byte("img"))
	if !errors.Is(err, prediction.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestClassifyDistinguishesTransportFailures(t *testing.T) {
	backend := &fakeBackend{primErr: status.Error(codes.Unavailable, "overloaded")}
	client := startBackend(t, backend)

	_, err := client.Classify(context.Background(), []byte("img"))
	if !errors.Is(err, prediction.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if errors.Is(err, prediction.ErrClassificationFailed) {
		t.Fatal("transport error must not look like a classification failure")
	}

	backend.mu.Lock()
	backend.primErr = status.Error(codes.InvalidArgument, "image too small")
	backend.mu.Unlock()

	_, err = client.Classify(context.Background(), []byte("img"))
	if !errors.Is(err, prediction.ErrClassificationFailed) {
		t.Fatalf("expected classification failure for invalid argument, got %v", err)
	}
}

func TestFailedInitializationShortCircuits(t *testing.T) {
	var dials int
	var mu sync.Mutex
	client := New(Options{
		Addr:        "passthrough:///unreachable",
		DialTimeout: 150 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				mu.Lock()
				dials++
				mu.Unlock()
				return nil, errors.New("connection refused")
			}),
		},
	}, zap.NewNop())

	if err := client.Connect(); !errors.Is(err, prediction.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}

	mu.Lock()
	seen := dials
	mu.Unlock()

	start := time.Now()
	_, err := client.Classify(context.Background(), []byte("img"))
	if !errors.Is(err, prediction.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected immediate failure, took %s", elapsed)
	}
	if _, err := client.ClassifyStage(context.Background(), []byte("img")); !errors.Is(err, prediction.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable for stage call, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if dials != seen {
		t.Fatalf("expected no redial after failed init, dials went from %d to %d", seen, dials)
	}
}

func TestEmptyAddressIsUnavailable(t *testing.T) {
	client := New(Options{}, zap.NewNop())
	if _, err := client.Classify(context.Background(), nil); !errors.Is(err, prediction.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
}

func TestCloseBeforeConnectMarksUnavailable(t *testing.T) {
	client := New(Options{Addr: "passthrough:///bufnet"}, zap.NewNop())
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := client.Classify(context.Background(), []byte("img")); !errors.Is(err, prediction.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable after close, got %v", err)
	}
}

func TestCloseConcurrentWithFirstCall(t *testing.T) {
	backend := &fakeBackend{primary: map[string]any{"Ok": []any{0, "Uninfected", 0.1}}}
	client := startBackend(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Classify(context.Background(), []byte("img"))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = client.Close()
	}()
	wg.Wait()
}
