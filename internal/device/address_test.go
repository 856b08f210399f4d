package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "lower-case colons", input: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "dashes", input: "aa-bb-cc-dd-ee-0f", want: "AA:BB:CC:DD:EE:0F"},
		{name: "bare digits", input: "a1b2c3d4e5f6", want: "A1:B2:C3:D4:E5:F6"},
		{name: "too short", input: "aa:bb:cc", wantErr: true},
		{name: "non-hex", input: "zz:bb:cc:dd:ee:ff", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressKey(t *testing.T) {
	assert.Equal(t, "aabbccddeeff", AddressKey("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "aabbccddeeff", AddressKey(" aa-bb-cc-dd-ee-ff "))
}

func TestEntityID(t *testing.T) {
	// the suffix is taken from the UUID as configured, dashes included
	assert.Equal(t, "aabbccddeeff_5f9b34fb", EntityID("AA:BB:CC:DD:EE:FF", "0000ffe1-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "aabbccddeeff_ffe1", EntityID("AA:BB:CC:DD:EE:FF", "ffe1"))
}
