package dialer

import (
	"time"

	"telecrm/internal/database"
)

// withinDailyWindow reporta si la campaña puede marcar en este instante según
// su ventana diaria. Sin ventana configurada siempre se puede marcar. Una
// ventana con inicio mayor que fin cruza la medianoche (ej. 22:00 a 06:00).
func withinDailyWindow(c *database.Campaign, now time.Time) bool {
	if c.DailyStartTime == nil || c.DailyEndTime == nil {
		return true
	}
	start, okStart := parseClock(*c.DailyStartTime)
	end, okEnd := parseClock(*c.DailyEndTime)
	if !okStart || !okEnd {
		// Una ventana malformada no bloquea la campaña
		return true
	}

	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// parseClock convierte "HH:MM" a minutos desde medianoche
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
