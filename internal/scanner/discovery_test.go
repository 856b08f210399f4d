package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/bleswitch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_OrderAndFilters(t *testing.T) {
	sc := testutils.NewFakeScanner()
	sc.Emit(testutils.CreateMockAdvertisement("", "AA:BB:CC:DD:EE:02", -70).WithServices("ffe0").Build())
	sc.Emit(testutils.CreateMockAdvertisement("Blocked", "AA:BB:CC:DD:EE:03", -30).WithServices("ffe0").Build())
	sc.Emit(testutils.CreateMockAdvertisement("NoService", "AA:BB:CC:DD:EE:04", -30).Build())
	sc.Emit(testutils.CreateMockAdvertisement("Relay", "AA:BB:CC:DD:EE:01", -50).WithServices("FFE0").Build())
	sc.Emit(testutils.CreateMockAdvertisement("Relay B", "AA:BB:CC:DD:EE:02", -60).Build())

	var phases []string
	opts := &ScanOptions{
		Duration:     100 * time.Millisecond,
		ServiceUUIDs: []string{"0000ffe0-0000-1000-8000-00805f9b34fb"},
		BlockList:    []string{"aa:bb:cc:dd:ee:03"},
	}
	devices, err := Discover(context.Background(), sc, opts, testutils.NewTestLogger(), func(p string) { phases = append(phases, p) })
	require.NoError(t, err)

	require.Len(t, devices, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", devices[0].Address)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", devices[1].Address)
	assert.Equal(t, "Relay", devices[1].Name)
	assert.Equal(t, []string{"ffe0"}, devices[1].Services)
	assert.Equal(t, []string{"Scanning", "Processing results"}, phases)
}

func TestDiscover_Errors(t *testing.T) {
	sc := testutils.NewFakeScanner()
	sc.ScanErrors = []error{errors.New("adapter gone")}
	_, err := Discover(context.Background(), sc, &ScanOptions{Duration: time.Second}, nil, nil)
	assert.ErrorContains(t, err, "adapter gone")

	_, err = Discover(context.Background(), testutils.NewFakeScanner(), &ScanOptions{Duration: time.Second, ServiceUUIDs: []string{"zz"}}, nil, nil)
	assert.ErrorContains(t, err, "invalid service filter")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Discover(ctx, testutils.NewFakeScanner(), &ScanOptions{Duration: time.Second}, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
