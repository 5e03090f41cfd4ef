package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" High ")
	require.NoError(t, err)
	assert.Equal(t, RoleHigh, r)

	_, err = ParseRole("low")
	assert.Error(t, err)
}

func TestRoleClasses(t *testing.T) {
	assert.False(t, RoleGrid.OnDemand())
	assert.True(t, RoleMedium.OnDemand())
	assert.True(t, RoleHigh.OnDemand())
	assert.False(t, RoleRecording.OnDemand())
	assert.False(t, RoleRecording.Live())
	assert.True(t, RoleGrid.Live())
}

func TestLaunchValidate(t *testing.T) {
	ok := Launch{Camera: Camera{ID: 1, Name: "front-door"}, Role: RoleGrid, Source: "rtsp://cam/1"}
	require.NoError(t, ok.Validate())
	assert.Equal(t, "1/grid", ok.Key().String())

	bad := ok
	bad.Camera.Name = "../etc"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Source = ""
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Role = "low"
	assert.Error(t, bad.Validate())
}

func TestIsSafeName(t *testing.T) {
	for _, s := range []string{"cam1", "Front_Door", "a.b-c"} {
		assert.True(t, IsSafeName(s), s)
	}
	for _, s := range []string{"", "..", "a/b", "a b", "x..y"} {
		assert.False(t, IsSafeName(s), s)
	}
}
