package repository

import (
	"fmt"
	"testing"
)

func oftData(amount uint64) string {
	// dstEid word followed by the amount word.
	return fmt.Sprintf("0x%064x%064x", 30339, amount)
}

func TestOFTAmountWord(t *testing.T) {
	cases := []struct {
		amount uint64
		want   float64
	}{
		{100000, 0.10},
		{50000, 0.05},
		{1000000, 1.00},
	}
	for _, tc := range cases {
		got, ok := oftAmountWord(oftData(tc.amount))
		if !ok {
			t.Fatalf("oftAmountWord(%d): not parsed", tc.amount)
		}
		if got != tc.want {
			t.Errorf("oftAmountWord(%d) = %v, want %v", tc.amount, got, tc.want)
		}
	}
}

func TestOFTAmountWordRejectsShortData(t *testing.T) {
	for _, data := range []string{"", "0x", "0x1234", fmt.Sprintf("0x%064x", 1)} {
		if _, ok := oftAmountWord(data); ok {
			t.Errorf("oftAmountWord(%q) parsed, want rejection", data)
		}
	}
}

func TestWeiToEth(t *testing.T) {
	if got := weiToEth("1000000000000000000"); got != 1.0 {
		t.Errorf("weiToEth(1e18 wei) = %v, want 1", got)
	}
	if got := weiToEth("1500000000000000000"); got != 1.5 {
		t.Errorf("weiToEth(1.5e18 wei) = %v, want 1.5", got)
	}
	if got := weiToEth("not a number"); got != 0 {
		t.Errorf("weiToEth(garbage) = %v, want 0", got)
	}
}

func TestSortByPlatformValue(t *testing.T) {
	platforms := []BridgePlatformAggregate{
		{Platform: "a", UsdValue: 5},
		{Platform: "b", UsdValue: 50},
		{Platform: "c", UsdValue: 10},
	}
	sortByPlatformValue(platforms)
	for i, want := range []string{"b", "c", "a"} {
		if platforms[i].Platform != want {
			t.Fatalf("position %d = %s, want %s", i, platforms[i].Platform, want)
		}
	}
}

func TestPaddedTopic(t *testing.T) {
	got := paddedTopic("0xAbCd000000000000000000000000000000001234")
	want := "0x000000000000000000000000abcd000000000000000000000000000000001234"
	if got != want {
		t.Errorf("paddedTopic = %s, want %s", got, want)
	}
	if len(got) != 66 {
		t.Errorf("topic length = %d, want 66", len(got))
	}
}
