package firmware

import (
	"encoding/json"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"1.2.3", Version{1, 2, 3}, false},
		{"v10.0.1", Version{10, 0, 1}, false},
		{"2.1", Version{2, 1, 0}, false},
		{"3", Version{3, 0, 0}, false},
		{"", Version{}, true},
		{"1.2.3.4", Version{}, true},
		{"1.x.3", Version{}, true},
		{"1.-2.3", Version{}, true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVersion_Compare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
	}
	for _, tt := range tests {
		a, _ := ParseVersion(tt.a)
		b, _ := ParseVersion(tt.b)
		if got := a.Compare(b); got != tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name     string
		wantBase string
		wantVer  Version
	}{
		{"sensor_v1.4.2.bin", "sensor", Version{1, 4, 2}},
		{"my_fw_v0.0.9.bin", "my_fw", Version{0, 0, 9}},
		{"firmware.bin", "firmware", DefaultVersion},
		{"sensor_v1.4.bin", "sensor_v1.4", DefaultVersion},
	}
	for _, tt := range tests {
		base, v := ParseFileName(tt.name)
		if base != tt.wantBase || v != tt.wantVer {
			t.Errorf("ParseFileName(%q) = %q, %v; want %q, %v", tt.name, base, v, tt.wantBase, tt.wantVer)
		}
	}

	if got := FileName("sensor", Version{1, 4, 2}); got != "sensor_v1.4.2.bin" {
		t.Errorf("FileName = %q", got)
	}
}

func TestVersion_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		V Version `json:"v"`
	}{Version{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"v":"1.2.3"}` {
		t.Errorf("encoded = %s", b)
	}

	var out struct {
		V Version `json:"v"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.V != (Version{1, 2, 3}) {
		t.Errorf("decoded = %v", out.V)
	}
}
