package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteIP(t *testing.T) {
	assert.Equal(t, "192.0.2.1", RemoteIP("192.0.2.1:54321"))
	assert.Equal(t, "2a02:5180::1", RemoteIP("[2a02:5180::1]:443"))
	assert.Equal(t, "not-an-addr", RemoteIP("not-an-addr"))
}

func TestIsAllowedIP(t *testing.T) {
	cidrs := []string{"185.71.76.0/27", "2a02:5180::/32", "bad-cidr"}

	assert.True(t, IsAllowedIP("185.71.76.5", cidrs))
	assert.True(t, IsAllowedIP("2a02:5180::1", cidrs))
	assert.False(t, IsAllowedIP("185.71.77.1", cidrs))
	assert.False(t, IsAllowedIP("garbage", cidrs))
	assert.False(t, IsAllowedIP("10.0.0.1", nil))
}
