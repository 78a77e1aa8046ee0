package fee

import "parking-service/internal/config"

// Calculator prices a stay per started minute, with a ceiling on billed minutes.
type Calculator struct {
	RatePerMinuteCents int64
	CapMinutes         int64
}

func New(cfg config.FeeConfig) Calculator {
	return Calculator{
		RatePerMinuteCents: cfg.RatePerMinuteCents,
		CapMinutes:         cfg.CapMinutes,
	}
}

// BillableMinutes is ceil(dwell/60), never below one.
func BillableMinutes(dwellSeconds int64) int64 {
	if dwellSeconds <= 0 {
		return 1
	}
	return (dwellSeconds + 59) / 60
}

// Fee returns the billed minutes and the fee in cents for a dwell duration.
func (c Calculator) Fee(dwellSeconds int64) (minutes int64, cents int64) {
	minutes = BillableMinutes(dwellSeconds)
	billed := min(minutes, max(c.CapMinutes, 0))
	return minutes, billed * c.RatePerMinuteCents
}

func (c Calculator) MaxFee() int64 {
	return max(c.CapMinutes, 0) * c.RatePerMinuteCents
}
