package namespace

import "testing"

func TestJoin(t *testing.T) {
	tests := []struct {
		sep      string
		segments []string
		want     string
	}{
		{":", []string{"s7link", "Module01", "speed"}, "s7link:Module01:speed"},
		{":", []string{"s7link:", ":Module01", "speed"}, "s7link:Module01:speed"},
		{":", []string{"", "Module01", "changes"}, "Module01:changes"},
		{":", []string{"a", "", "b"}, "a:b"},
		{"/", []string{"/plant/", "Module01", "motor_run"}, "plant/Module01/motor_run"},
		{"/", []string{"plant/line1", "Module01"}, "plant/line1/Module01"},
		{"/", nil, ""},
	}
	for _, tt := range tests {
		if got := Join(tt.sep, tt.segments...); got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.sep, tt.segments, got, tt.want)
		}
	}
}

func TestBuilder(t *testing.T) {
	b := New("")
	if b.Namespace() != Default {
		t.Fatalf("Namespace() = %q, want %q", b.Namespace(), Default)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"mqtt tag", b.MQTTTagTopic("Module01", "speed"), "s7link/Module01/speed"},
		{"mqtt write", b.MQTTWriteTopic("Module01"), "s7link/Module01/write"},
		{"mqtt write response", b.MQTTWriteResponseTopic("Module01"), "s7link/Module01/write/response"},
		{"valkey tag", b.ValkeyTagKey("Module01", "speed"), "s7link:Module01:speed"},
		{"valkey changes", b.ValkeyChangesChannel("Module01"), "s7link:Module01:changes"},
		{"valkey health", b.ValkeyHealthKey("Module01"), "s7link:Module01:health"},
		{"kafka key", KafkaMessageKey("Module01", "speed"), "Module01/speed"},
		{"custom prefix", New("plant:").ValkeyTagKey("Module01", "speed"), "plant:Module01:speed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
