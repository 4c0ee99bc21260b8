package api

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		payload Payload
		text    string
	}{
		{"update", CommandUpdatePackage, PackagePayload{PackageID: "Foo.Bar"}, "Foo.Bar"},
		{"uninstall", CommandUninstallPackage, PackagePayload{PackageID: " Mozilla.Firefox "}, "Mozilla.Firefox"},
		{"report", CommandForceReport, ReportPayload{}, ""},
		{"self update", CommandSelfUpdate,
			SelfUpdatePayload{URL: "/api/agent/bundle/1.4.0", Version: "1.4.0", SHA256: "ab12"},
			`{"url":"/api/agent/bundle/1.4.0","version":"1.4.0","sha256":"ab12"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := EncodePayload(tt.cmd, tt.payload)
			if err != nil {
				t.Fatalf("EncodePayload: %v", err)
			}
			if text != tt.text {
				t.Fatalf("text = %q, want %q", text, tt.text)
			}
			back, err := DecodePayload(tt.cmd, text)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			again, err := EncodePayload(tt.cmd, back)
			if err != nil || again != text {
				t.Fatalf("payload not stable: %q vs %q (%v)", again, text, err)
			}
		})
	}
}

func TestEncodePayloadRejectsMismatch(t *testing.T) {
	cases := []struct {
		cmd Command
		p   Payload
	}{
		{CommandUpdatePackage, SelfUpdatePayload{URL: "u", Version: "1"}},
		{CommandUpdatePackage, PackagePayload{PackageID: "  "}},
		{CommandSelfUpdate, PackagePayload{PackageID: "x"}},
		{CommandSelfUpdate, SelfUpdatePayload{URL: "u"}},
		{Command("reboot"), ReportPayload{}},
	}
	for _, c := range cases {
		if _, err := EncodePayload(c.cmd, c.p); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("EncodePayload(%s, %#v) = %v, want ErrInvalidPayload", c.cmd, c.p, err)
		}
	}
}

func TestTaskJSONPackagePayloadIsString(t *testing.T) {
	task := Task{ID: 7, Command: CommandUpdatePackage, Payload: PackagePayload{PackageID: "Foo.Bar"}}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"payload":"Foo.Bar"`) {
		t.Fatalf("expected string payload, got %s", data)
	}

	var back Task
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	pp, ok := back.Payload.(PackagePayload)
	if !ok || pp.PackageID != "Foo.Bar" {
		t.Fatalf("payload = %#v", back.Payload)
	}
}

func TestTaskJSONSelfUpdateAcceptsObjectAndString(t *testing.T) {
	inputs := []string{
		`{"id":3,"command":"self_update","payload":{"url":"https://fleet/api/agent/bundle/2.0.0","version":"2.0.0"}}`,
		`{"id":3,"command":"self_update","payload":"{\"url\":\"https://fleet/api/agent/bundle/2.0.0\",\"version\":\"2.0.0\"}"}`,
	}
	for _, in := range inputs {
		var task Task
		if err := json.Unmarshal([]byte(in), &task); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		sp, ok := task.Payload.(SelfUpdatePayload)
		if !ok {
			t.Fatalf("payload = %#v", task.Payload)
		}
		if sp.Version != "2.0.0" || !strings.HasSuffix(sp.URL, "/2.0.0") {
			t.Fatalf("descriptor = %#v", sp)
		}
	}
}

func TestTaskJSONBadPayloadDoesNotFailBatch(t *testing.T) {
	in := `[{"id":1,"command":"update_package","payload":""},{"id":2,"command":"update_package","payload":"Git.Git"}]`
	var tasks []Task
	if err := json.Unmarshal([]byte(in), &tasks); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if tasks[0].PayloadError() == nil || tasks[0].Payload != nil {
		t.Fatalf("first task should carry a payload error: %#v", tasks[0])
	}
	if tasks[1].PayloadError() != nil {
		t.Fatalf("second task should decode: %v", tasks[1].PayloadError())
	}
}

func TestParseUpdateStatus(t *testing.T) {
	tests := []struct {
		in   string
		want UpdateStatus
		ok   bool
	}{
		{"success_pending_confirmation", UpdateSuccessPending, true},
		{"sukces_oczekuje_na_potwierdzenie", UpdateSuccessPending, true},
		{"failed", UpdateFailed, true},
		{"błąd", UpdateFailed, true},
		{"done", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseUpdateStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseUpdateStatus(%q) = %q, %v", tt.in, got, ok)
		}
	}
}

func TestParseResultStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"completed":   StatusCompleted,
		"zakończone":  StatusCompleted,
		"failed":      StatusFailed,
		"błąd":        StatusFailed,
		" completed ": StatusCompleted,
	} {
		if got, ok := ParseResultStatus(in); !ok || got != want {
			t.Errorf("ParseResultStatus(%q) = %q, %v", in, got, ok)
		}
	}
	for _, in := range []string{"pending", "claimed", ""} {
		if _, ok := ParseResultStatus(in); ok {
			t.Errorf("ParseResultStatus(%q) accepted a non-terminal status", in)
		}
	}
}

func TestCreateTaskRequestParsePayload(t *testing.T) {
	req := CreateTaskRequest{
		Hostname: "host-a",
		Command:  CommandSelfUpdate,
		Payload:  json.RawMessage(`{"url":"/api/agent/bundle/3.1.0","version":"3.1.0"}`),
	}
	p, err := req.ParsePayload()
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if p.(SelfUpdatePayload).Version != "3.1.0" {
		t.Fatalf("payload = %#v", p)
	}

	req = CreateTaskRequest{Hostname: "host-a", Command: CommandForceReport}
	if _, err := req.ParsePayload(); err != nil {
		t.Fatalf("force_report needs no payload: %v", err)
	}
}

func TestHasPendingUpdate(t *testing.T) {
	r := &InventoryReport{AvailableAppUpdates: []AppUpdate{{ID: "Foo.Bar"}}}
	if !r.HasPendingUpdate("foo.bar") {
		t.Fatal("package ids compare case-insensitively")
	}
	if r.HasPendingUpdate("Foo.Baz") {
		t.Fatal("unexpected match")
	}
}
