package channel_test

import (
	"testing"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/stretchr/testify/assert"
)

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		node     string
		server   string
		mismatch bool
	}{
		{"1.2.3", "1.2.0", false},
		{"1.2.3", "1.2.9", false},
		{"v1.2.3", "1.2.3", false},
		{"1.2.3", "1.3.0", true},
		{"1.2.3", "2.2.3", true},
		{"dev", "1.2.3", false},
		{"1.2.3", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.node+"_"+tt.server, func(t *testing.T) {
			assert.Equal(t, tt.mismatch, channel.CheckVersion(tt.node, tt.server))
		})
	}
}
