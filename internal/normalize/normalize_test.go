package normalize

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"minerlink/internal/miner"
	"minerlink/internal/transport"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func body(s string) *transport.RawResponse {
	return &transport.RawResponse{Body: []byte(s)}
}

func mustDriver(t *testing.T, v miner.Variant) Driver {
	t.Helper()
	d, err := For(v)
	if err != nil {
		t.Fatalf("For(%s): %v", v, err)
	}
	if d.Variant() != v {
		t.Fatalf("driver variant %s, want %s", d.Variant(), v)
	}
	return d
}

var (
	vAntSocket = miner.Variant{Vendor: miner.VendorAntminer, Firmware: miner.FirmwareStock, Transport: miner.TransportSocket}
	vAntWeb    = miner.Variant{Vendor: miner.VendorAntminer, Firmware: miner.FirmwareStock, Transport: miner.TransportHTTP}
	vCG        = miner.Variant{Vendor: miner.VendorCGMiner, Firmware: miner.FirmwareCGMiner, Transport: miner.TransportSocket}
	vWM        = miner.Variant{Vendor: miner.VendorWhatsminer, Firmware: miner.FirmwareBTMiner, Transport: miner.TransportSocket}
	vElph      = miner.Variant{Vendor: miner.VendorElphapex, Firmware: miner.FirmwareStock, Transport: miner.TransportSocket}
	vVnish     = miner.Variant{Vendor: miner.VendorVnish, Firmware: miner.FirmwareVnish, Transport: miner.TransportHTTP}
	vBOS       = miner.Variant{Vendor: miner.VendorBraiins, Firmware: miner.FirmwareBraiinsOS, Transport: miner.TransportSSH}
)

func TestForUnknownVariant(t *testing.T) {
	if _, err := For(miner.Variant{Vendor: miner.VendorBraiins, Transport: miner.TransportHTTP}); err == nil {
		t.Fatal("expected error for braiins over http")
	}
}

func TestElphapexCompactSummary(t *testing.T) {
	d := mustDriver(t, vElph)
	tel, err := d.ParseTelemetry(body(`{"hs":"100000","temp":"65"}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 100 {
		t.Fatalf("hashrate = %v, want 100", hr)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{65}) {
		t.Fatalf("temps = %v", temps)
	}
	for name, f := range map[string]interface{ Supported() bool }{
		"fans": tel.FanSpeeds, "pools": tel.Pools, "uptime": tel.Uptime, "errors": tel.Errors,
	} {
		if f.Supported() {
			t.Errorf("%s should be unsupported", name)
		}
	}
	if !tel.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v", tel.Timestamp)
	}
}

func TestElphapexOptionalFields(t *testing.T) {
	d := mustDriver(t, vElph)
	tel, err := d.ParseTelemetry(body(`{"hs":"250000.5","temp":"70.5","fans":[5200,"5300"],"elapsed":90}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 250.0005 {
		t.Fatalf("hashrate = %v, want 250.0005", hr)
	}
	if fans, _ := tel.FanSpeeds.Get(); !reflect.DeepEqual(fans, []int{5200, 5300}) {
		t.Fatalf("fans = %v", fans)
	}
	if up, _ := tel.Uptime.Get(); up != 90*time.Second {
		t.Fatalf("uptime = %v", up)
	}
}

func TestElphapexErrors(t *testing.T) {
	d := mustDriver(t, vElph)
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"missing hashrate", `{"temp":"65"}`, miner.ErrMissingField},
		{"non numeric hashrate", `{"hs":"fast","temp":"65"}`, miner.ErrMalformed},
		{"non numeric temp", `{"hs":"1","temp":"hot"}`, miner.ErrMalformed},
		{"not json", `garbage`, miner.ErrMalformed},
		{"empty", ``, miner.ErrMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.ParseTelemetry(body(tc.in), now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := d.ReadConfigRequest(); !errors.Is(err, miner.ErrUnsupported) {
		t.Fatalf("read config: %v", err)
	}
	if _, err := d.LifecycleRequest(miner.CommandReboot); !errors.Is(err, miner.ErrUnsupported) {
		t.Fatalf("reboot: %v", err)
	}
}

const antSocketReply = `{"summary":[{"STATUS":[{"STATUS":"S","Msg":"Summary"}],"SUMMARY":[{"Elapsed":3600,"GHS 5s":"95000.12","GHS av":94000}],"id":1}],` +
	`"stats":[{"STATUS":[{"STATUS":"S"}],"STATS":[{"BMMiner":"2.0.0","Type":"Antminer S19"},` +
	`{"Elapsed":3600,"fan_num":4,"fan1":0,"fan2":5400,"fan3":5460,"temp1":60,"temp2":62,"temp3":0,"temp2_1":75,"temp2_2":77,"temp2_3":0,"temp_max":77}],"id":1}],"id":1}` + "\x00"

func TestAntminerSocketTelemetry(t *testing.T) {
	d := mustDriver(t, vAntSocket)
	if got := d.PollRequest().Command; got != "summary+stats" {
		t.Fatalf("poll command %q", got)
	}
	tel, err := d.ParseTelemetry(body(antSocketReply), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 95 {
		t.Errorf("hashrate = %v", hr)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{75, 77}) {
		t.Errorf("temps = %v", temps)
	}
	if fans, _ := tel.FanSpeeds.Get(); !reflect.DeepEqual(fans, []int{5400, 5460}) {
		t.Errorf("fans = %v", fans)
	}
	if up, _ := tel.Uptime.Get(); up != time.Hour {
		t.Errorf("uptime = %v", up)
	}
	if tel.Pools.Supported() || tel.Errors.Supported() {
		t.Error("pools and errors are not part of summary+stats")
	}
}

func TestAntminerSocketSectionError(t *testing.T) {
	d := mustDriver(t, vAntSocket)
	reply := `{"summary":[{"STATUS":[{"STATUS":"E","Msg":"Invalid command"}]}],"stats":[{"STATUS":[{"STATUS":"S"}],"STATS":[]}]}`
	if _, err := d.ParseTelemetry(body(reply), now); !errors.Is(err, miner.ErrMalformed) {
		t.Fatalf("err = %v", err)
	}
	reply = `{"summary":[{"STATUS":[{"STATUS":"S"}],"SUMMARY":[{"Elapsed":1}]}]}`
	if _, err := d.ParseTelemetry(body(reply), now); !errors.Is(err, miner.ErrMissingField) {
		t.Fatalf("err = %v", err)
	}
}

func TestAntminerSocketConfigAndLifecycle(t *testing.T) {
	d := mustDriver(t, vAntSocket)
	cfg, err := d.ParseConfig(body(`{"STATUS":[{"STATUS":"S"}],"POOLS":[{"URL":"stratum+tcp://a:3333","User":"w.1"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	pools, _ := cfg.Pools.Get()
	if len(pools) != 1 || pools[0].User != "w.1" {
		t.Fatalf("pools = %+v", pools)
	}
	if cfg.Mode.Supported() || cfg.FrequencyMHz.Supported() || cfg.Fan.Supported() {
		t.Fatal("socket config carries pools only")
	}
	if _, err := d.WritePlan(cfg); !errors.Is(err, miner.ErrUnsupported) {
		t.Fatalf("write plan: %v", err)
	}
	req, err := d.LifecycleRequest(miner.CommandRestartMining)
	if err != nil || req.Command != "restart" {
		t.Fatalf("restart = %+v, %v", req, err)
	}
	if _, err := d.LifecycleRequest(miner.CommandReboot); !errors.Is(err, miner.ErrUnsupported) {
		t.Fatalf("reboot: %v", err)
	}
}

func TestCGMinerGenericTelemetry(t *testing.T) {
	d := mustDriver(t, vCG)
	reply := `{"summary":[{"STATUS":[{"STATUS":"S"}],"SUMMARY":[{"Elapsed":120,"MHS 5s":14000000}]}],` +
		`"pools":[{"STATUS":[{"STATUS":"S"}],"POOLS":[` +
		`{"POOL":0,"URL":"stratum+tcp://a:3333","User":"w1","Status":"Alive","Stratum Active":true},` +
		`{"POOL":1,"URL":"stratum+tcp://b:3333","User":"w2","Status":"Dead","Stratum Active":false}]}]}`
	tel, err := d.ParseTelemetry(body(reply), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 14 {
		t.Errorf("hashrate = %v", hr)
	}
	want := []miner.PoolStatus{
		{URL: "stratum+tcp://a:3333", User: "w1", Alive: true, Active: true},
		{URL: "stratum+tcp://b:3333", User: "w2"},
	}
	if pools, _ := tel.Pools.Get(); !reflect.DeepEqual(pools, want) {
		t.Errorf("pools = %+v", pools)
	}
	if tel.BoardTemps.Supported() || tel.FanSpeeds.Supported() {
		t.Error("generic cgminer has no temps or fans")
	}
}

func TestWhatsminerTelemetry(t *testing.T) {
	d := mustDriver(t, vWM)
	reply := `{"STATUS":[{"STATUS":"S","Msg":"Summary"}],"SUMMARY":[{"Elapsed":7200,"MHS av":100000000,"MHS 5s":101000000,` +
		`"Temperature":72.5,"Fan Speed In":4800,"Fan Speed Out":4900}],"id":1}`
	tel, err := d.ParseTelemetry(body(reply), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 101 {
		t.Errorf("hashrate = %v", hr)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{72.5}) {
		t.Errorf("temps = %v", temps)
	}
	if fans, _ := tel.FanSpeeds.Get(); !reflect.DeepEqual(fans, []int{4800, 4900}) {
		t.Errorf("fans = %v", fans)
	}
	if up, _ := tel.Uptime.Get(); up != 2*time.Hour {
		t.Errorf("uptime = %v", up)
	}
	if _, err := d.WritePlan(miner.Config{}); !errors.Is(err, miner.ErrUnsupported) {
		t.Errorf("write plan: %v", err)
	}
	if _, err := d.LifecycleRequest(miner.CommandReboot); !errors.Is(err, miner.ErrUnsupported) {
		t.Errorf("reboot: %v", err)
	}
}

func TestAntminerWebTelemetry(t *testing.T) {
	d := mustDriver(t, vAntWeb)
	if d.Options().HTTPAuth != transport.AuthDigest {
		t.Fatal("antminer web uses digest auth")
	}
	req := d.PollRequest()
	if req.Command != "/cgi-bin/stats.cgi" || !req.Auth {
		t.Fatalf("poll request %+v", req)
	}
	reply := `{"STATUS":{"STATUS":"S"},"INFO":{"type":"Antminer S19j Pro"},"STATS":[{"elapsed":5000,"rate_5s":104000,"rate_unit":"GH/s",` +
		`"fan":[5400,5450,5500,5520],"chain":[{"index":0,"temp_pcb":[50,52,58,60]},{"index":1,"temp_pcb":[51,53,59,61]}]}]}`
	tel, err := d.ParseTelemetry(body(reply), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 104 {
		t.Errorf("hashrate = %v", hr)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{60, 61}) {
		t.Errorf("temps = %v", temps)
	}
	if fans, _ := tel.FanSpeeds.Get(); len(fans) != 4 {
		t.Errorf("fans = %v", fans)
	}
	if up, _ := tel.Uptime.Get(); up != 5000*time.Second {
		t.Errorf("uptime = %v", up)
	}

	_, err = d.ParseTelemetry(body(`{"STATS":[{"rate_5s":"n/a"}]}`), now)
	if !errors.Is(err, miner.ErrMalformed) {
		t.Errorf("bad rate: %v", err)
	}
	_, err = d.ParseTelemetry(body(`{"STATS":[{"elapsed":1}]}`), now)
	if !errors.Is(err, miner.ErrMissingField) {
		t.Errorf("no rate: %v", err)
	}
}

func TestAntminerWebEmptyChainSensors(t *testing.T) {
	d := mustDriver(t, vAntWeb)
	reply := `{"STATS":[{"rate_5s":95000.5,"rate_unit":"GH/s","chain":[{"index":0,"temp_pcb":[]},{"index":1,"temp_pcb":[55,63]}]}]}`
	tel, err := d.ParseTelemetry(body(reply), now)
	if err != nil {
		t.Fatal(err)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{63}) {
		t.Errorf("temps = %v, want [63]", temps)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 95.0005 {
		t.Errorf("hashrate = %v, want 95.0005", hr)
	}

	tel, err = d.ParseTelemetry(body(`{"STATS":[{"rate_5s":1000,"chain":[{"index":0},{"index":1,"temp_pcb":[]}]}]}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if tel.BoardTemps.Supported() {
		t.Errorf("temps without readings = %v, want unsupported", tel.BoardTemps)
	}
}

func TestAntminerWebFaultLight(t *testing.T) {
	d := mustDriver(t, vAntWeb)
	for cmd, want := range map[miner.Command]string{
		miner.CommandFaultLightOn:  `{"blink":"true"}`,
		miner.CommandFaultLightOff: `{"blink":"false"}`,
	} {
		req, err := d.LifecycleRequest(cmd)
		if err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		if req.Command != "/cgi-bin/blink.cgi" || req.Method != http.MethodPost || !req.Auth || string(req.Body) != want {
			t.Errorf("%s request = %+v", cmd, req)
		}
	}
	reply := func(b string) *transport.RawResponse {
		return &transport.RawResponse{Command: "/cgi-bin/blink.cgi", Status: 200, Body: []byte(b)}
	}
	for _, code := range []string{"B000", "B100"} {
		if err := d.CheckReply(reply(`{"code":"` + code + `"}`)); err != nil {
			t.Errorf("CheckReply(%s) = %v", code, err)
		}
	}
	if err := d.CheckReply(reply(`{"code":"B001","msg":"busy"}`)); !errors.Is(err, ErrRejected) {
		t.Errorf("CheckReply(B001) = %v", err)
	}
	if _, err := d.LifecycleRequest(miner.CommandRestartMining); !errors.Is(err, miner.ErrUnsupported) {
		t.Errorf("restart over http: %v", err)
	}
	if _, err := mustDriver(t, vBOS).LifecycleRequest(miner.CommandFaultLightOn); !errors.Is(err, miner.ErrUnsupported) {
		t.Errorf("braiins fault light: %v", err)
	}
	if _, err := mustDriver(t, vVnish).LifecycleRequest(miner.CommandFaultLightOn); !errors.Is(err, miner.ErrUnsupported) {
		t.Errorf("vnish fault light: %v", err)
	}
}

const antConf = `{"pools":[{"url":"stratum+tcp://p:3333","user":"w.1","pass":"x"},{"url":"","user":"","pass":""}],` +
	`"api-listen":true,"bitmain-fan-ctrl":true,"bitmain-fan-pwm":"80","bitmain-freq":"675","bitmain-work-mode":"0"}`

func TestAntminerWebConfig(t *testing.T) {
	d := mustDriver(t, vAntWeb)
	cfg, err := d.ParseConfig(body(antConf))
	if err != nil {
		t.Fatal(err)
	}
	want := miner.Config{
		Pools:        miner.Of([]miner.Pool{{URL: "stratum+tcp://p:3333", User: "w.1", Password: "x"}}),
		Mode:         miner.Of(miner.ModeNormal),
		FrequencyMHz: miner.Of(675),
		Fan:          miner.Of(miner.FanControl{Mode: miner.FanManual, SpeedPct: 80}),
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config = %+v", cfg)
	}

	plan, err := d.WritePlan(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 1 || plan[0].Command != "/cgi-bin/set_miner_conf.cgi" || !plan[0].Auth {
		t.Fatalf("plan = %+v", plan)
	}
	var sent map[string]any
	if err := json.Unmarshal(plan[0].Body, &sent); err != nil {
		t.Fatal(err)
	}
	if sent["miner-mode"] != float64(0) || sent["bitmain-freq"] != "675" || sent["bitmain-fan-pwm"] != "80" || sent["bitmain-fan-ctrl"] != true {
		t.Fatalf("body = %s", plan[0].Body)
	}

	// Feed the written values back the way get_miner_conf reports them.
	sent["bitmain-work-mode"] = "0"
	delete(sent, "miner-mode")
	echo, _ := json.Marshal(sent)
	back, err := d.ParseConfig(body(string(echo)))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, cfg) {
		t.Fatalf("round trip = %+v", back)
	}

	cfg.Mode = miner.Of(miner.ModeHigh)
	if _, err := d.WritePlan(cfg); !errors.Is(err, miner.ErrUnsupported) {
		t.Fatalf("high mode: %v", err)
	}
}

func TestAntminerWebUnknownWorkMode(t *testing.T) {
	d := mustDriver(t, vAntWeb)
	_, err := d.ParseConfig(body(`{"pools":[],"bitmain-work-mode":"7"}`))
	if !errors.Is(err, miner.ErrMalformed) {
		t.Fatalf("err = %v", err)
	}
}

func TestAntminerWebCheckReply(t *testing.T) {
	d := mustDriver(t, vAntWeb)
	reply := func(status int, b string) *transport.RawResponse {
		return &transport.RawResponse{Command: "/cgi-bin/set_miner_conf.cgi", Status: status, Body: []byte(b)}
	}
	tests := []struct {
		name string
		resp *transport.RawResponse
		want error
	}{
		{"accepted", reply(200, `{"stats":"success","code":"M000","msg":"OK!"}`), nil},
		{"refused", reply(200, `{"stats":"error","code":"M001","msg":"Illegal"}`), ErrRejected},
		{"html", reply(200, `<html></html>`), ErrRejected},
		{"bad request", reply(400, ``), ErrRejected},
		{"unauthorized", reply(401, ``), miner.ErrAuthFailed},
		{"server error", reply(502, ``), miner.ErrReset},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := d.CheckReply(tc.resp)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if err := d.CheckReply(&transport.RawResponse{Command: "/cgi-bin/reboot.cgi", Status: 200}); err != nil {
		t.Fatalf("reboot reply: %v", err)
	}
}

const vnishSummaryReply = `{"miner":{"miner_status":{"miner_state":"mining","miner_state_time":86400},"instant_hashrate":110500,"hr_realtime":110000,` +
	`"pcb_temp":{"min":40,"max":66},"chains":[{"id":1,"pcb_temp":{"min":40,"max":64}},{"id":2,"pcb_temp":{"min":41,"max":66}}],` +
	`"cooling":{"fan_num":2,"fans":[{"id":0,"rpm":4200,"status":"ok"},{"id":1,"rpm":4260,"status":"ok"}],"settings":{"mode":{"name":"auto"}}},` +
	`"pools":[{"url":"stratum+tcp://a:3333","user":"w","status":"active"},{"url":"stratum+tcp://b:3333","user":"w","status":"offline"}]}}`

func TestVnishTelemetry(t *testing.T) {
	d := mustDriver(t, vVnish)
	opts := d.Options()
	if opts.HTTPAuth != transport.AuthToken || opts.TokenPath != "/api/v1/unlock" {
		t.Fatalf("options = %+v", opts)
	}
	tel, err := d.ParseTelemetry(body(vnishSummaryReply), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 110.5 {
		t.Errorf("hashrate = %v", hr)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{64, 66}) {
		t.Errorf("temps = %v", temps)
	}
	if fans, _ := tel.FanSpeeds.Get(); !reflect.DeepEqual(fans, []int{4200, 4260}) {
		t.Errorf("fans = %v", fans)
	}
	want := []miner.PoolStatus{
		{URL: "stratum+tcp://a:3333", User: "w", Alive: true, Active: true},
		{URL: "stratum+tcp://b:3333", User: "w"},
	}
	if pools, _ := tel.Pools.Get(); !reflect.DeepEqual(pools, want) {
		t.Errorf("pools = %+v", pools)
	}
	if up, _ := tel.Uptime.Get(); up != 24*time.Hour {
		t.Errorf("uptime = %v", up)
	}
	if errs, ok := tel.Errors.Get(); !ok || len(errs) != 0 {
		t.Errorf("errors = %v, %v", errs, ok)
	}
}

func TestVnishFailureState(t *testing.T) {
	d := mustDriver(t, vVnish)
	reply := `{"miner":{"instant_hashrate":0,"miner_status":{"miner_state":"failure","description":"chain 1 broken","failure_code":3}}}`
	tel, err := d.ParseTelemetry(body(reply), now)
	if err != nil {
		t.Fatal(err)
	}
	if errs, _ := tel.Errors.Get(); !reflect.DeepEqual(errs, []string{"chain 1 broken"}) {
		t.Fatalf("errors = %v", errs)
	}
	if _, err := d.ParseTelemetry(body(`{"miner":{}}`), now); !errors.Is(err, miner.ErrMissingField) {
		t.Fatalf("no hashrate: %v", err)
	}
}

// mergeJSON applies a partial settings POST the way VNish does.
func mergeJSON(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeJSON(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func TestVnishConfigRoundTrip(t *testing.T) {
	d := mustDriver(t, vVnish)
	settings := `{"miner":{"pools":[{"url":"stratum+tcp://a:3333","user":"w","pass":"x"}],` +
		`"overclock":{"preset":"disabled","globals":{"freq":650,"volt":1300}},"cooling":{"mode":{"name":"manual"},"fan_duty":70},` +
		`"misc":{"quiet_mode":false}}}`
	cfg, err := d.ParseConfig(body(settings))
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := cfg.FrequencyMHz.Get(); f != 650 {
		t.Fatalf("freq = %d", f)
	}
	if fc, _ := cfg.Fan.Get(); fc != (miner.FanControl{Mode: miner.FanManual, SpeedPct: 70}) {
		t.Fatalf("fan = %+v", fc)
	}
	if cfg.Mode.Supported() {
		t.Fatal("vnish mode is unsupported")
	}
	if req, _ := d.ReadConfigRequest(); req.Auth {
		t.Fatal("settings read is unauthenticated")
	}

	next := miner.Config{
		Pools:        miner.Of([]miner.Pool{{URL: "stratum+tcp://b:3333", User: "w2", Password: "y"}}),
		Mode:         miner.Unsupported[miner.Mode](),
		FrequencyMHz: miner.Of(700),
		Fan:          miner.Of(miner.FanControl{Mode: miner.FanAuto}),
	}
	plan, err := d.WritePlan(next)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan has %d steps", len(plan))
	}
	if !strings.Contains(string(plan[0].Body), `"pools"`) || strings.Contains(string(plan[0].Body), `"overclock"`) {
		t.Fatalf("step 0 = %s", plan[0].Body)
	}

	var doc map[string]any
	_ = json.Unmarshal([]byte(settings), &doc)
	for _, step := range plan {
		if step.Method != "POST" || !step.Auth || step.Command != "/api/v1/settings" {
			t.Fatalf("step = %+v", step)
		}
		var patch map[string]any
		if err := json.Unmarshal(step.Body, &patch); err != nil {
			t.Fatal(err)
		}
		mergeJSON(doc, patch)
	}
	merged, _ := json.Marshal(doc)
	back, err := d.ParseConfig(body(string(merged)))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, next) {
		t.Fatalf("round trip = %+v, want %+v", back, next)
	}

	if _, err := d.WritePlan(miner.Config{Mode: miner.Of(miner.ModeSleep)}); !errors.Is(err, miner.ErrUnsupported) {
		t.Fatalf("mode write: %v", err)
	}
}

func TestVnishLifecycleAndReply(t *testing.T) {
	d := mustDriver(t, vVnish)
	req, _ := d.LifecycleRequest(miner.CommandReboot)
	if req.Command != "/api/v1/system/reboot" || req.Method != "POST" {
		t.Fatalf("reboot = %+v", req)
	}
	req, _ = d.LifecycleRequest(miner.CommandRestartMining)
	if req.Command != "/api/v1/mining/restart" {
		t.Fatalf("restart = %+v", req)
	}
	if err := d.CheckReply(&transport.RawResponse{Status: 200, Body: []byte(`{"restart_required":false}`)}); err != nil {
		t.Fatal(err)
	}
	err := d.CheckReply(&transport.RawResponse{Status: 200, Body: []byte(`{"err":"invalid frequency"}`)})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v", err)
	}
}

const bosToml = `[format]
version = "1.2+"
model = "Antminer S19"

[[group]]
name = "Main"

[[group.pool]]
url = "stratum+tcp://a:3333"
user = "w.1"
password = "x"

[[group]]
name = "Backup"

[[group.pool]]
url = "stratum+tcp://b:3333"
user = "w.2"

[hash_chain_global]
frequency = 650

[fan_control]
speed = 90
min_fans = 1
`

func TestBraiinsConfigRoundTrip(t *testing.T) {
	d := mustDriver(t, vBOS)
	cfg, err := d.ParseConfig(body(bosToml))
	if err != nil {
		t.Fatal(err)
	}
	want := miner.Config{
		Pools: miner.Of([]miner.Pool{
			{URL: "stratum+tcp://a:3333", User: "w.1", Password: "x"},
			{URL: "stratum+tcp://b:3333", User: "w.2"},
		}),
		Mode:         miner.Unsupported[miner.Mode](),
		FrequencyMHz: miner.Of(650),
		Fan:          miner.Of(miner.FanControl{Mode: miner.FanManual, SpeedPct: 90}),
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config = %+v", cfg)
	}

	plan, err := d.WritePlan(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 || !strings.Contains(plan[0].Command, "/etc/bosminer.toml") || plan[1].Command != "/etc/init.d/bosminer reload" {
		t.Fatalf("plan = %+v", plan)
	}
	back, err := d.ParseConfig(body(string(plan[0].Body)))
	if err != nil {
		t.Fatalf("written toml does not parse: %v\n%s", err, plan[0].Body)
	}
	if !reflect.DeepEqual(back, cfg) {
		t.Fatalf("round trip = %+v", back)
	}

	auto := cfg
	auto.Fan = miner.Of(miner.FanControl{Mode: miner.FanAuto})
	auto.FrequencyMHz = miner.Unsupported[int]()
	plan, _ = d.WritePlan(auto)
	back, _ = d.ParseConfig(body(string(plan[0].Body)))
	if !reflect.DeepEqual(back, auto) {
		t.Fatalf("auto round trip = %+v", back)
	}

	if _, err := d.WritePlan(miner.Config{}); !errors.Is(err, miner.ErrMissingField) {
		t.Fatalf("write without pools: %v", err)
	}
}

func TestBraiinsWriteKeepsUnmodeledSections(t *testing.T) {
	d := mustDriver(t, vBOS)
	m, ok := d.(Merger)
	if !ok {
		t.Fatal("braiins driver does not merge")
	}
	current := bosToml + `
[autotuning]
enabled = true
power_target = 3000

[temp_control]
mode = "auto"
hot_temp = 90
dangerous_temp = 100
`
	cfg, err := d.ParseConfig(body(current))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Pools = miner.Of([]miner.Pool{{URL: "stratum+tcp://c:3333", User: "w.3"}})
	cfg.Fan = miner.Of(miner.FanControl{Mode: miner.FanAuto})

	plan, err := m.WritePlanFrom(body(current), cfg)
	if err != nil {
		t.Fatal(err)
	}
	written := string(plan[0].Body)
	for _, want := range []string{"temp_control", "dangerous_temp = 100", "autotuning", "power_target = 3000", "min_fans = 1", "Antminer S19", "Main"} {
		if !strings.Contains(written, want) {
			t.Errorf("written file lost %q:\n%s", want, written)
		}
	}
	back, err := d.ParseConfig(body(written))
	if err != nil {
		t.Fatalf("written toml does not parse: %v", err)
	}
	if !reflect.DeepEqual(back, cfg) {
		t.Fatalf("config after write = %+v, want %+v", back, cfg)
	}

	if _, err := m.WritePlanFrom(&transport.RawResponse{Status: 1, Stderr: []byte("no such file")}, cfg); !errors.Is(err, miner.ErrMalformed) {
		t.Fatalf("unreadable current file: %v", err)
	}
}

func TestBraiinsTelemetry(t *testing.T) {
	d := mustDriver(t, vBOS)
	reply := `{"summary":[{"STATUS":[{"STATUS":"S"}],"SUMMARY":[{"Elapsed":600,"MHS 5s":95000000.0}]}],` +
		`"temps":[{"STATUS":[{"STATUS":"S"}],"TEMPS":[{"ID":0,"Board":60.0,"Chip":70.0},{"ID":1,"Board":62.0,"Chip":72.0}]}],` +
		`"fans":[{"STATUS":[{"STATUS":"S"}],"FANS":[{"ID":0,"RPM":3000},{"ID":1,"RPM":3100}]}],` +
		`"pools":[{"STATUS":[{"STATUS":"S"}],"POOLS":[{"URL":"stratum+tcp://a:3333","User":"w.1","Status":"Alive","Stratum Active":true}]}]}`
	tel, err := d.ParseTelemetry(body(reply), now)
	if err != nil {
		t.Fatal(err)
	}
	if hr, _ := tel.Hashrate.Get(); hr != 95 {
		t.Errorf("hashrate = %v", hr)
	}
	if temps, _ := tel.BoardTemps.Get(); !reflect.DeepEqual(temps, []float64{60, 62}) {
		t.Errorf("temps = %v", temps)
	}
	if fans, _ := tel.FanSpeeds.Get(); !reflect.DeepEqual(fans, []int{3000, 3100}) {
		t.Errorf("fans = %v", fans)
	}
	if pools, _ := tel.Pools.Get(); len(pools) != 1 || !pools[0].Active {
		t.Errorf("pools = %+v", pools)
	}

	_, err = d.ParseTelemetry(&transport.RawResponse{Status: 1, Stderr: []byte("nc: not found")}, now)
	if !errors.Is(err, miner.ErrMalformed) {
		t.Fatalf("failed command: %v", err)
	}
}

func TestBraiinsCheckReply(t *testing.T) {
	d := mustDriver(t, vBOS)
	if err := d.CheckReply(&transport.RawResponse{Status: 0}); err != nil {
		t.Fatal(err)
	}
	err := d.CheckReply(&transport.RawResponse{Status: 2, Stderr: []byte("permission denied")})
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v", err)
	}
}

func TestToTHS(t *testing.T) {
	tests := []struct {
		v    float64
		unit string
		want float64
	}{
		{100000, "GH/s", 100},
		{100000, "GH", 100},
		{14e6, "MH/s", 14},
		{1e12, "H/s", 1},
		{95, "TH/s", 95},
		{2, "PH/s", 2000},
	}
	for _, tc := range tests {
		if got := toTHS(tc.v, tc.unit); got != tc.want {
			t.Errorf("toTHS(%v, %q) = %v, want %v", tc.v, tc.unit, got, tc.want)
		}
	}
}
