package ipmatch_test

import (
	"testing"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ipmatch"
	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		ip      string
		pattern string
		want    bool
	}{
		{"10.0.0.1", "10.0.0.1", true},
		{"10.0.0.2", "10.0.0.1", false},
		{"::ffff:10.0.0.1", "10.0.0.1", true},
		{"10.1.2.3", "10.0.0.0/8", true},
		{"11.1.2.3", "10.0.0.0/8", false},
		{"10.1.2.3", "10.1.2.99/24", true},
		{"2001:db8::1", "2001:db8::/32", true},
		{"2001:db9::1", "2001:db8::/32", false},
		{"192.168.4.5", "192.168.*", true},
		{"192.169.4.5", "192.168.*", false},
		{"192.1680.4.5", "192.168.*", false},
		{"192.168.1.200", "192.168.1.*", true},
		{"192.168.10.1", "192.168.1.*", false},
		{"10.0.0.1", "10*", false},
		{"not-an-ip", "10.0.0.0/8", false},
		{"10.0.0.1", "10.0.0.0/99", false},
		{"10.0.0.1", "garbage", false},
		{"", "10.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, ipmatch.Match(tt.ip, tt.pattern))
		})
	}
}

func TestAny(t *testing.T) {
	list := []string{"10.0.0.0/8", " 172.16.0.1 ", "192.168.*"}
	assert.True(t, ipmatch.Any("10.9.9.9", list))
	assert.True(t, ipmatch.Any("172.16.0.1", list))
	assert.True(t, ipmatch.Any("192.168.0.1", list))
	assert.False(t, ipmatch.Any("8.8.8.8", list))
	assert.False(t, ipmatch.Any("8.8.8.8", nil))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ipmatch.Validate([]string{"10.0.0.1", "10.0.0.0/8", "192.168.*", "2001:db8::/32", "fe80:*"}))
	assert.NoError(t, ipmatch.Validate(nil))

	for _, bad := range []string{"", "10.0.0", "10.0.0.0/40", "*", "10*", "host.example.com"} {
		assert.Error(t, ipmatch.Validate([]string{bad}), bad)
	}
}
