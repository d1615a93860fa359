package mac

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive_MatchesReferenceAlgorithm(t *testing.T) {
	vmID := "4f6e2e2e-1c2a-4a9e-9c3a-0f6e2e2e1c2a"
	sum := sha256.Sum256([]byte(vmID))
	want := fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])

	assert.Equal(t, want, Derive(vmID))
}

func TestDerive_IsDeterministic(t *testing.T) {
	vmID := "same-id"
	assert.Equal(t, Derive(vmID), Derive(vmID))
}

func TestDerive_DifferentIDsLikelyDifferentMACs(t *testing.T) {
	assert.NotEqual(t, Derive("vm-a"), Derive("vm-b"))
}

func TestDerive_AlwaysCarriesKVMPrefix(t *testing.T) {
	got := Derive("any-id")
	assert.Regexp(t, `^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, got)
}
