package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/summitlabs/legion/internal/gateway"
	"github.com/summitlabs/legion/internal/gateway/gatewaytest"
	"github.com/summitlabs/legion/internal/telemetry"
)

const feederTopic = "my-project-iot-house-telemetry-house-telemetry-action"

func newTestRegistry(t *testing.T, broker *gatewaytest.Broker, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry("my-project", gateway.New(broker, nil, nil), nil, opts...)
}

func execute(t *testing.T, r *Registry, name, args string) Result {
	t.Helper()
	out, err := r.Execute(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Execute(%s) error = %v", name, err)
	}
	res, err := ParseResult(out)
	if err != nil {
		t.Fatalf("ParseResult(%s) error = %v", out, err)
	}
	return res
}

func TestRegistry_Names(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})
	want := []string{
		"get_vehicle_telemetry",
		"send_cat_feeder_message",
		"control_cat_feeder_iot",
		"sleep_seconds",
		"set_iron_man_mark3_helmet_action",
		"house_party_protocol",
	}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})
	list := r.List()
	if len(list) != 6 {
		t.Fatalf("List() len = %d, want 6", len(list))
	}
	for _, entry := range list {
		if entry["type"] != "function" {
			t.Errorf("type = %v, want function", entry["type"])
		}
		fn := entry["function"].(map[string]any)
		if fn["name"] == "" || fn["description"] == "" {
			t.Errorf("incomplete function entry: %v", fn)
		}
		if _, ok := fn["parameters"].(map[string]any); !ok {
			t.Errorf("%v: parameters not an object schema", fn["name"])
		}
	}

	// The schema must survive JSON encoding for the LLM request body.
	if _, err := json.Marshal(list); err != nil {
		t.Errorf("json.Marshal(List()) error = %v", err)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})
	_, err := r.Execute(context.Background(), "self_destruct", "{}")

	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "self_destruct" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestRegistry_MalformedArgs(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})
	if _, err := r.Execute(context.Background(), NameSendCatFeeder, "{not json"); err == nil {
		t.Error("Execute() error = nil, want invalid arguments error")
	}
}

func TestSendCatFeeder_Forward(t *testing.T) {
	broker := &gatewaytest.Broker{Ack: "PUBACK reason_code=0 (success)"}
	r := newTestRegistry(t, broker)

	res := execute(t, r, NameSendCatFeeder, `{"action":"forward"}`)

	if !res.OK() {
		t.Fatalf("Status = %q, error = %q", res.Status, res.Error)
	}
	if res.Topic != feederTopic {
		t.Errorf("Topic = %q, want %q", res.Topic, feederTopic)
	}
	if res.Action != "forward" {
		t.Errorf("Action = %q", res.Action)
	}
	if res.Response != "PUBACK reason_code=0 (success)" {
		t.Errorf("Response = %q", res.Response)
	}

	calls := broker.Calls()
	if len(calls) != 1 {
		t.Fatalf("broker calls = %d, want 1", len(calls))
	}
	if string(calls[0].Payload) != `{"action":"forward","speed":180}` {
		t.Errorf("payload = %s", calls[0].Payload)
	}
	if calls[0].QoS != 1 {
		t.Errorf("QoS = %d, want 1", calls[0].QoS)
	}
}

func TestControlCatFeeder_InvalidActionNoPublish(t *testing.T) {
	for _, action := range []string{"sideways", "", "Forward", "up"} {
		t.Run(action, func(t *testing.T) {
			broker := &gatewaytest.Broker{}
			r := newTestRegistry(t, broker)

			args, _ := json.Marshal(map[string]any{"action": action})
			res := execute(t, r, NameControlCatFeeder, string(args))

			if res.Status != StatusError {
				t.Errorf("Status = %q, want error", res.Status)
			}
			if !strings.Contains(res.Error, "Must be one of: forward, backward, stop") {
				t.Errorf("Error = %q", res.Error)
			}
			if n := len(broker.Calls()); n != 0 {
				t.Errorf("broker calls = %d, want 0", n)
			}
		})
	}
}

func TestSendCatFeeder_InvalidActionNoPublish(t *testing.T) {
	broker := &gatewaytest.Broker{}
	r := newTestRegistry(t, broker)

	res := execute(t, r, NameSendCatFeeder, `{"action":"sideways"}`)
	if res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if n := len(broker.Calls()); n != 0 {
		t.Errorf("broker calls = %d, want 0", n)
	}
}

func TestControlCatFeeder_Speed(t *testing.T) {
	tests := []struct {
		name      string
		args      string
		wantSpeed string
		wantMsg   string
	}{
		{"default", `{"action":"backward"}`, `{"action":"backward","speed":180}`, "Motor command sent: backward with speed 180"},
		{"explicit", `{"action":"forward","speed":90}`, `{"action":"forward","speed":90}`, "Motor command sent: forward with speed 90"},
		{"quoted", `{"action":"stop","speed":"120"}`, `{"action":"stop","speed":120}`, "Motor command sent: stop with speed 120"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &gatewaytest.Broker{}
			r := newTestRegistry(t, broker)

			res := execute(t, r, NameControlCatFeeder, tt.args)
			if !res.OK() {
				t.Fatalf("Status = %q, error = %q", res.Status, res.Error)
			}
			if res.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", res.Message, tt.wantMsg)
			}
			if string(res.Payload) != tt.wantSpeed {
				t.Errorf("Payload = %s, want %s", res.Payload, tt.wantSpeed)
			}
		})
	}
}

func TestControlCatFeeder_SpeedOutOfRange(t *testing.T) {
	for _, args := range []string{
		`{"action":"forward","speed":181}`,
		`{"action":"forward","speed":-1}`,
		`{"action":"forward","speed":1e12}`,
	} {
		t.Run(args, func(t *testing.T) {
			broker := &gatewaytest.Broker{}
			r := newTestRegistry(t, broker)

			res := execute(t, r, NameControlCatFeeder, args)
			if res.Status != StatusError || res.Message != "Invalid speed" {
				t.Errorf("result = %+v, want invalid speed", res)
			}
			if len(broker.Calls()) != 0 {
				t.Error("published despite out-of-range speed")
			}
		})
	}
}

func TestControlCatFeeder_FractionalSpeed(t *testing.T) {
	broker := &gatewaytest.Broker{}
	r := newTestRegistry(t, broker)

	res := execute(t, r, NameControlCatFeeder, `{"action":"forward","speed":1.5}`)
	if res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if len(broker.Calls()) != 0 {
		t.Error("published despite invalid speed")
	}
}

func TestHelmetAction_Success(t *testing.T) {
	broker := &gatewaytest.Broker{}
	r := newTestRegistry(t, broker)

	res := execute(t, r, NameHelmetAction, `{"faceplate_state":"face_open","eyes_state":"on"}`)
	if !res.OK() {
		t.Fatalf("Status = %q, error = %q", res.Status, res.Error)
	}
	want := `The payload sent to topic is {"suit_name":"XIAOMark3Helmet","action":"face_open","eyes":"on"}`
	if res.Message != want {
		t.Errorf("Message = %q, want %q", res.Message, want)
	}
	if res.Topic != "my-project-iot-suit-telemetry-suit-telemetry-action" {
		t.Errorf("Topic = %q", res.Topic)
	}
}

func TestHelmetAction_BrokerFailure(t *testing.T) {
	tests := []struct {
		name   string
		broker *gatewaytest.Broker
		want   string
	}{
		{"error", &gatewaytest.Broker{Err: errors.New("ResourceNotFoundException: endpoint unreachable")}, "Error sending message to IoT topic: ResourceNotFoundException: endpoint unreachable"},
		{"panic", &gatewaytest.Broker{Panic: "client exploded"}, "Unexpected error: client exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, tt.broker)

			res := execute(t, r, NameHelmetAction, `{"faceplate_state":"face_close","eyes_state":"off"}`)
			if res.Status != StatusError {
				t.Fatalf("Status = %q, want error", res.Status)
			}
			if res.Error != tt.want {
				t.Errorf("Error = %q, want %q", res.Error, tt.want)
			}
		})
	}
}

func TestHelmetAction_InvalidState(t *testing.T) {
	broker := &gatewaytest.Broker{}
	r := newTestRegistry(t, broker)

	res := execute(t, r, NameHelmetAction, `{"faceplate_state":"face_half","eyes_state":"on"}`)
	if res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if len(broker.Calls()) != 0 {
		t.Error("published despite invalid faceplate state")
	}
}

func TestHouseParty(t *testing.T) {
	broker := &gatewaytest.Broker{}
	r := newTestRegistry(t, broker)

	res := execute(t, r, NameHouseParty, `{"ignored":true}`)
	if !res.OK() {
		t.Fatalf("Status = %q, error = %q", res.Status, res.Error)
	}
	if res.Message != "House Party Protocol activated: Iron Legion deployed" {
		t.Errorf("Message = %q", res.Message)
	}
	if res.SuitsActivated != "Mark 15-42 online and responding" {
		t.Errorf("SuitsActivated = %q", res.SuitsActivated)
	}

	calls := broker.Calls()
	if len(calls) != 1 {
		t.Fatalf("broker calls = %d", len(calls))
	}
	if calls[0].Topic != "my-project-iot-suit-telemetry-suit-telemetry-action" {
		t.Errorf("Topic = %q", calls[0].Topic)
	}
	if string(calls[0].Payload) != `{"action":"house_party_protocol","message":"Deploying Iron Legion"}` {
		t.Errorf("Payload = %s", calls[0].Payload)
	}
}

func TestVehicleTelemetry(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})
	res := execute(t, r, NameVehicleTelemetry, "")

	if !res.OK() {
		t.Fatalf("Status = %q", res.Status)
	}
	if len(res.Vehicles) != 2 || res.Vehicles[0].VehicleName != "Vehicle_001" {
		t.Errorf("Vehicles = %+v", res.Vehicles)
	}
}

type failingSource struct{}

func (failingSource) Vehicles(context.Context) ([]telemetry.VehicleRecord, error) {
	return nil, errors.New("api down")
}

func TestVehicleTelemetry_SourceError(t *testing.T) {
	r := NewRegistry("my-project", nil, failingSource{})
	res := execute(t, r, NameVehicleTelemetry, "{}")
	if res.Status != StatusError || res.Error != "api down" {
		t.Errorf("result = %+v, want error api down", res)
	}
}

func TestSleepSeconds_Validation(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"missing", `{}`},
		{"negative", `{"seconds":-1}`},
		{"fraction", `{"seconds":0.5}`},
		{"wrong type", `{"seconds":true}`},
		{"over limit", `{"seconds":61}`},
		{"huge", `{"seconds":1e10}`},
		{"huge string", `{"seconds":"10000000000"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, &gatewaytest.Broker{}, WithSleep(func(context.Context, time.Duration) error {
				t.Error("sleep called for invalid input")
				return nil
			}))
			res := execute(t, r, NameSleepSeconds, tt.args)
			if res.Status != StatusError {
				t.Errorf("Status = %q, want error", res.Status)
			}
		})
	}
}

func TestSleepSeconds_AtLimit(t *testing.T) {
	var got time.Duration
	r := newTestRegistry(t, &gatewaytest.Broker{}, WithSleep(func(_ context.Context, d time.Duration) error {
		got = d
		return nil
	}))

	res := execute(t, r, NameSleepSeconds, `{"seconds":60}`)
	if !res.OK() {
		t.Fatalf("result = %+v, want success", res)
	}
	if got != time.Duration(MaxSleepSeconds)*time.Second {
		t.Errorf("slept %v, want %ds", got, MaxSleepSeconds)
	}
}

func TestSleepSeconds_Zero(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})

	start := time.Now()
	res := execute(t, r, NameSleepSeconds, `{"seconds":0}`)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("sleep(0) took %v", elapsed)
	}
	if res.Message != "Slept for 0 seconds" {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestSleepSeconds_WaitsAtLeastN(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})

	start := time.Now()
	res := execute(t, r, NameSleepSeconds, `{"seconds":1}`)
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("sleep(1) returned after %v", elapsed)
	}
	if res.Message != "Slept for 1 seconds" {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestSleepSeconds_Cancelled(t *testing.T) {
	r := newTestRegistry(t, &gatewaytest.Broker{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := r.Execute(ctx, NameSleepSeconds, `{"seconds":30}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancelled sleep took %v", elapsed)
	}
	res, _ := ParseResult(out)
	if res.Status != StatusError || !strings.Contains(res.Error, "deadline exceeded") {
		t.Errorf("result = %+v, want interrupted error", res)
	}
}

// TestTimedFeedSequence drives forward, sleep(5), stop through the
// registry and checks the two publishes are at least five seconds
// apart on the injected clock.
func TestTimedFeedSequence(t *testing.T) {
	var (
		mu    sync.Mutex
		clock = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
		stamp []time.Time
	)
	broker := &stampingBroker{now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}, stamps: &stamp}
	fakeSleep := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
		return nil
	}

	r := NewRegistry("my-project", gateway.New(broker, nil, nil), nil, WithSleep(fakeSleep))
	ctx := context.Background()

	for _, step := range []struct{ name, args string }{
		{NameSendCatFeeder, `{"action":"forward"}`},
		{NameSleepSeconds, `{"seconds":5}`},
		{NameSendCatFeeder, `{"action":"stop"}`},
	} {
		res, err := r.Call(ctx, step.name, mustArgs(t, step.args))
		if err != nil || !res.OK() {
			t.Fatalf("%s: res = %+v, err = %v", step.name, res, err)
		}
	}

	if len(stamp) != 2 {
		t.Fatalf("publishes = %d, want 2", len(stamp))
	}
	if gap := stamp[1].Sub(stamp[0]); gap < 5*time.Second {
		t.Errorf("gap between publishes = %v, want >= 5s", gap)
	}
}

type stampingBroker struct {
	now    func() time.Time
	stamps *[]time.Time
}

func (b *stampingBroker) Publish(context.Context, string, byte, []byte) (string, error) {
	*b.stamps = append(*b.stamps, b.now())
	return "ok", nil
}

func mustArgs(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		name    string
		v       any
		want    int
		wantErr bool
	}{
		{"absent", nil, 7, false},
		{"int", 3, 3, false},
		{"float whole", float64(4), 4, false},
		{"float fraction", 4.5, 0, true},
		{"string", "12", 12, false},
		{"string junk", "12abc", 0, true},
		{"bool", true, 0, true},
		{"float overflow", 1e30, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]any{}
			if tt.v != nil {
				args["n"] = tt.v
			}
			got, err := intArg(args, "n", 7)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResult_JSONOmitsEmpty(t *testing.T) {
	out := Result{Status: StatusSuccess, Message: "Slept for 2 seconds"}.JSON()
	if out != `{"status":"success","message":"Slept for 2 seconds"}` {
		t.Errorf("JSON() = %s", out)
	}
}

var _ Publisher = (*gateway.Gateway)(nil)
