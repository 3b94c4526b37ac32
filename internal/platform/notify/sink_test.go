package notify

import "testing"

func TestIsTestSink(t *testing.T) {
	domains := []string{"sink.test", ".Example.NET"}
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"https://sink.test/hook", true},
		{"https://hooks.sink.test:8443/hook", true},
		{"https://HOOKS.SINK.TEST/hook", true},
		{"https://api.example.net", true},
		{"https://notsink.test/hook", false},
		{"https://sink.test.evil.com/hook", false},
		{"s3://bucket/prefix", false},
		{"not a url %zz", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isTestSink(tt.endpoint, domains); got != tt.want {
			t.Errorf("isTestSink(%q) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
	if isTestSink("https://sink.test/hook", nil) {
		t.Error("no configured domains should never match")
	}
}
