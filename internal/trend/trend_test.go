package trend

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"grid-core/internal/events"
)

type analyzer interface {
	GetSignal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type fakeAnalyzer struct {
	pairs []string
}

func (f *fakeAnalyzer) GetSignal(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pair := req.GetFields()["pair"].GetStringValue()
	f.pairs = append(f.pairs, pair)
	return structpb.NewStruct(map[string]any{
		"pause":  true,
		"trend":  "down",
		"reason": "strong downtrend on " + pair,
	})
}

func getSignalHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(analyzer).GetSignal(ctx, in)
}

var analyzerDesc = grpc.ServiceDesc{
	ServiceName: "trend.TrendAnalyzer",
	HandlerType: (*analyzer)(nil),
	Methods:     []grpc.MethodDesc{{MethodName: "GetSignal", Handler: getSignalHandler}},
	Streams:     []grpc.StreamDesc{},
	Metadata:    "trend.proto",
}

func TestClientEvaluate(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	fake := &fakeAnalyzer{}
	srv.RegisterService(&analyzerDesc, fake)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	client, err := NewClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	v, err := client.Evaluate(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Pause || v.Trend != "down" || v.Reason != "strong downtrend on BTC/USDT" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if len(fake.pairs) != 1 || fake.pairs[0] != "BTC/USDT" {
		t.Fatalf("server saw pairs %v", fake.pairs)
	}
}

func TestPollerPublishesOnChange(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	var got []events.Event
	bus.On(events.EventTrendPause, func(any) { got = append(got, events.EventTrendPause) })
	bus.On(events.EventTrendResume, func(any) { got = append(got, events.EventTrendResume) })

	script := []Verdict{{}, {Pause: true}, {Pause: true}, {}, {}}
	var failNext bool
	i := 0
	sig := SignalFunc(func(context.Context, string) (Verdict, error) {
		if failNext {
			failNext = false
			return Verdict{}, errors.New("analyzer down")
		}
		v := script[i]
		i++
		return v, nil
	})

	p := NewPoller(sig, bus, "BTC/USDT", "test", 0, zap.NewNop())
	ctx := context.Background()
	for range script {
		p.Poll(ctx)
		if i == 2 {
			// an error between readings must not flip the state
			failNext = true
			p.Poll(ctx)
			if !p.Paused() {
				t.Fatalf("error reading cleared pause")
			}
		}
	}

	want := []events.Event{events.EventTrendPause, events.EventTrendResume}
	if len(got) != len(want) {
		t.Fatalf("events=%v, expected %v", got, want)
	}
	for j := range want {
		if got[j] != want[j] {
			t.Fatalf("events=%v, expected %v", got, want)
		}
	}
	if p.Paused() {
		t.Fatalf("expected resumed")
	}
}

func TestStaticSignal(t *testing.T) {
	v, err := Static{Verdict: Verdict{Pause: true, Reason: "manual"}}.Evaluate(context.Background(), "X")
	if err != nil || !v.Pause || v.Reason != "manual" {
		t.Fatalf("unexpected verdict %+v err=%v", v, err)
	}
}
