package memcached

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseServerListTrimsAndDedupes(t *testing.T) {
	got := ParseServerList(" a:1, b:2 ,a:1, c:3")
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, got)
}

func TestParseServerListEmpty(t *testing.T) {
	assert.Empty(t, ParseServerList(""))
	assert.Empty(t, ParseServerList("   "))
}

func TestJoinServerListRoundTrip(t *testing.T) {
	servers := []string{"a:1", "b:2"}
	assert.Equal(t, servers, ParseServerList(JoinServerList(servers)))
}
