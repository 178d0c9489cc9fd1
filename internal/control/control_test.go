package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/summitlabs/legion/internal/device"
	"github.com/summitlabs/legion/internal/gateway"
	"github.com/summitlabs/legion/internal/gateway/gatewaytest"
	"github.com/summitlabs/legion/internal/tools"
)

func newPanel(broker *gatewaytest.Broker, sleep tools.SleepFunc) *Panel {
	reg := tools.NewRegistry("my-project", gateway.New(broker, nil, nil), nil, tools.WithSleep(sleep))
	return New(reg, nil)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestTimedFeed_TwoPublishes(t *testing.T) {
	broker := &gatewaytest.Broker{}
	var slept time.Duration
	p := newPanel(broker, func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	})

	report, err := p.TimedFeed(context.Background(), DefaultFeedSeconds)
	if err != nil {
		t.Fatalf("TimedFeed() error = %v", err)
	}
	if !report.OK {
		t.Fatalf("report = %+v, want OK", report)
	}
	if report.Message != "Kitty has been fed for 5 seconds!" {
		t.Errorf("Message = %q", report.Message)
	}
	if slept != 5*time.Second {
		t.Errorf("slept %v, want 5s", slept)
	}

	calls := broker.Calls()
	if len(calls) != 2 {
		t.Fatalf("publishes = %d, want 2", len(calls))
	}
	if string(calls[0].Payload) != `{"action":"forward","speed":180}` {
		t.Errorf("first payload = %s", calls[0].Payload)
	}
	if string(calls[1].Payload) != `{"action":"stop","speed":180}` {
		t.Errorf("second payload = %s", calls[1].Payload)
	}
}

// TestTimedFeed_RealClock runs the sequence on the real timer: the two
// publishes must be at least the feed duration apart.
func TestTimedFeed_RealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the real clock")
	}
	broker := &gatewaytest.Broker{}
	p := newPanel(broker, tools.SleepContext)

	if _, err := p.TimedFeed(context.Background(), MinFeedSeconds); err != nil {
		t.Fatalf("TimedFeed() error = %v", err)
	}
	calls := broker.Calls()
	if len(calls) != 2 {
		t.Fatalf("publishes = %d, want 2", len(calls))
	}
	if gap := calls[1].At.Sub(calls[0].At); gap < time.Second {
		t.Errorf("gap = %v, want >= 1s", gap)
	}
}

func TestTimedFeed_Bounds(t *testing.T) {
	for _, secs := range []int{0, -3, 11, 60} {
		broker := &gatewaytest.Broker{}
		p := newPanel(broker, noSleep)
		_, err := p.TimedFeed(context.Background(), secs)
		if !errors.Is(err, device.ErrInvalidArgument) {
			t.Errorf("TimedFeed(%d) error = %v, want ErrInvalidArgument", secs, err)
		}
		if len(broker.Calls()) != 0 {
			t.Errorf("TimedFeed(%d) published %d times", secs, len(broker.Calls()))
		}
	}
}

func TestTimedFeed_CancelledStillStops(t *testing.T) {
	broker := &gatewaytest.Broker{}
	p := newPanel(broker, tools.SleepContext)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := p.TimedFeed(ctx, MaxFeedSeconds)
	if err != nil {
		t.Fatalf("TimedFeed() error = %v", err)
	}
	if report.OK {
		t.Error("report.OK = true for interrupted feed")
	}
	calls := broker.Calls()
	if len(calls) != 2 || string(calls[1].Payload) != `{"action":"stop","speed":180}` {
		t.Errorf("calls = %d, want forward then stop", len(calls))
	}
}

func TestTimedFeed_StartFails(t *testing.T) {
	broker := &gatewaytest.Broker{Err: errors.New("offline")}
	p := newPanel(broker, noSleep)

	report, err := p.TimedFeed(context.Background(), 3)
	if err != nil {
		t.Fatalf("TimedFeed() error = %v", err)
	}
	if report.OK || len(report.Steps) != 1 {
		t.Errorf("report = %+v, want single failed step", report)
	}
	if len(broker.Calls()) != 1 {
		t.Errorf("publishes = %d, want 1", len(broker.Calls()))
	}
}

func TestHelmetPresets(t *testing.T) {
	tests := []struct {
		preset string
		want   string
	}{
		{"open", `{"suit_name":"XIAOMark3Helmet","action":"face_open","eyes":"on"}`},
		{"close", `{"suit_name":"XIAOMark3Helmet","action":"face_close","eyes":"on"}`},
		{"eyes-on", `{"suit_name":"XIAOMark3Helmet","action":"face_close","eyes":"on"}`},
		{"eyes-off", `{"suit_name":"XIAOMark3Helmet","action":"face_close","eyes":"off"}`},
	}
	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			broker := &gatewaytest.Broker{}
			p := newPanel(broker, noSleep)

			res, err := p.Helmet(context.Background(), tt.preset)
			if err != nil || !res.OK() {
				t.Fatalf("Helmet() = %+v, %v", res, err)
			}
			if got := string(broker.Calls()[0].Payload); got != tt.want {
				t.Errorf("payload = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHelmet_UnknownPreset(t *testing.T) {
	p := newPanel(&gatewaytest.Broker{}, noSleep)
	if _, err := p.Helmet(context.Background(), "disco"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("error = %v, want ErrUnknownPreset", err)
	}
}

func TestProtocolAndTelemetry(t *testing.T) {
	broker := &gatewaytest.Broker{}
	p := newPanel(broker, noSleep)

	res, err := p.Protocol(context.Background())
	if err != nil || res.SuitsActivated == "" {
		t.Errorf("Protocol() = %+v, %v", res, err)
	}

	vehicles, err := p.Telemetry(context.Background())
	if err != nil || len(vehicles) != 2 {
		t.Errorf("Telemetry() = %d vehicles, %v", len(vehicles), err)
	}
}
