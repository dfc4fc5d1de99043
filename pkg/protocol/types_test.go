package protocol

import (
	"encoding/json"
	"testing"
)

func TestMethodKnown(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		want   bool
	}{
		{"ping", MethodSystemPing, true},
		{"capabilities", MethodEngineCapabilities, true},
		{"cut plan export", MethodExportRunCutPlan, true},
		{"recents", MethodProjectRecents, true},
		{"unknown", Method("system.reboot"), false},
		{"empty", Method(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.method.Known(); got != tt.want {
				t.Errorf("Method.Known() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarshalParams(t *testing.T) {
	type recentsParams struct {
		Limit int `json:"limit"`
	}

	tests := []struct {
		name    string
		params  any
		want    string
		wantErr bool
	}{
		{"nil", nil, `{}`, false},
		{"struct", recentsParams{Limit: 5}, `{"limit":5}`, false},
		{"map", map[string]any{"jobId": "j1"}, `{"jobId":"j1"}`, false},
		{"raw object", json.RawMessage(`{"a":1}`), `{"a":1}`, false},
		{"empty raw", json.RawMessage(nil), `{}`, false},
		{"nil map", map[string]any(nil), `{}`, false},
		{"array rejected", []int{1, 2}, "", true},
		{"scalar rejected", 42, "", true},
		{"raw array rejected", json.RawMessage(`[1]`), "", true},
		{"unmarshalable", map[string]any{"ch": make(chan int)}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalParams(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("MarshalParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("MarshalParams() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		method  string
		wantErr bool
	}{
		{"valid", "id-1", "system.ping", false},
		{"missing id", "", "system.ping", true},
		{"missing method", "id-1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.id, tt.method, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResponseBuilders(t *testing.T) {
	ok, err := Success("1", map[string]string{"app": "guerillaglass"})
	if err != nil {
		t.Fatalf("Success() error = %v", err)
	}
	line, err := EncodeResponse(ok)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	want := `{"id":"1","ok":true,"result":{"app":"guerillaglass"}}` + "\n"
	if string(line) != want {
		t.Errorf("EncodeResponse() = %q, want %q", line, want)
	}

	failed := Failure(UnknownRequestID, ErrorCodeInvalidRequest, "Invalid JSON request")
	line, err = EncodeResponse(failed)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	want = `{"id":"unknown","ok":false,"error":{"code":"invalid_request","message":"Invalid JSON request"}}` + "\n"
	if string(line) != want {
		t.Errorf("EncodeResponse() = %q, want %q", line, want)
	}
}
