package currency

import (
	"testing"

	"github.com/rawblock/mixer-engine/pkg/models"
)

func TestValidateAddress(t *testing.T) {
	cases := []struct {
		currency models.Currency
		addr     string
		wantErr  bool
	}{
		{models.BTC, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", false},
		{models.BTC, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", false},
		{models.BTC, "not-an-address", true},
		{models.ETH, "0x00000000219ab540356cBB839Cbe05303d7705Fa", false},
		{models.ETH, "0xzzz", true},
		{models.USDT, "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", false},
		{models.SOL, "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1", false},
		{models.LTC, "LdP8Qox1VAhCzLJNqrr74YovaWYyNBUWvL", false},
		{models.DASH, "XpESxaUmonkq8RaLp6zVPNNJURgAguxtMq", false},
		{models.ZEC, "t1XVXWCvpMgBvUaYcJjFEV8NtQ9x5sM7f9m", false},
	}
	for _, c := range cases {
		err := ValidateAddress(c.currency, c.addr)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateAddress(%s, %q) err=%v, wantErr=%v", c.currency, c.addr, err, c.wantErr)
		}
	}
}

func TestConfirmationThreshold(t *testing.T) {
	if got := ConfirmationThreshold(models.BTC); got != 3 {
		t.Errorf("BTC confirmations = %d, want 3", got)
	}
	if got := ConfirmationThreshold(models.SOL); got != 32 {
		t.Errorf("SOL confirmations = %d, want 32", got)
	}
}

func TestToMinorUnits(t *testing.T) {
	got, err := ToMinorUnits(models.BTC, 0, 15000000, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 15_000_000 {
		t.Errorf("ToMinorUnits = %d, want 15000000", got)
	}
}

func TestToMinorUnitsPrecisionOverflow(t *testing.T) {
	_, err := ToMinorUnits(models.USDT, 1, 1234567, 7)
	if err == nil {
		t.Fatal("expected precision overflow error")
	}
}
