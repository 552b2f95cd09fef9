package container

import (
	"testing"

	"github.com/docker/go-connections/nat"
)

func TestDevToolsURL(t *testing.T) {
	tests := []struct {
		binding nat.PortBinding
		want    string
	}{
		{nat.PortBinding{HostIP: "127.0.0.1", HostPort: "49153"}, "http://127.0.0.1:49153"},
		{nat.PortBinding{HostIP: "0.0.0.0", HostPort: "49154"}, "http://127.0.0.1:49154"},
		{nat.PortBinding{HostPort: "49155"}, "http://127.0.0.1:49155"},
	}
	for _, tt := range tests {
		if got := devToolsURL(tt.binding); got != tt.want {
			t.Errorf("devToolsURL(%+v) = %q, want %q", tt.binding, got, tt.want)
		}
	}
}
