package dialer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"telecrm/internal/database"
)

func windowCampaign(tz, start, end string) *database.Campaign {
	c := &database.Campaign{Timezone: tz}
	if start != "" {
		c.DailyStartTime = &start
	}
	if end != "" {
		c.DailyEndTime = &end
	}
	return c
}

func TestWithinDailyWindow(t *testing.T) {
	day := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}

	cases := []struct {
		name     string
		campaign *database.Campaign
		now      time.Time
		want     bool
	}{
		{"sin ventana siempre marca", windowCampaign("UTC", "", ""), day(3, 0), true},
		{"solo inicio no restringe", windowCampaign("UTC", "09:00", ""), day(3, 0), true},
		{"dentro de la ventana", windowCampaign("UTC", "09:00", "17:00"), day(12, 0), true},
		{"antes de abrir", windowCampaign("UTC", "09:00", "17:00"), day(8, 59), false},
		{"el borde de apertura cuenta", windowCampaign("UTC", "09:00", "17:00"), day(9, 0), true},
		{"el borde de cierre cuenta", windowCampaign("UTC", "09:00", "17:00"), day(17, 0), true},
		{"después de cerrar", windowCampaign("UTC", "09:00", "17:00"), day(17, 1), false},
		{"nocturna por la noche", windowCampaign("UTC", "22:00", "06:00"), day(23, 0), true},
		{"nocturna de madrugada", windowCampaign("UTC", "22:00", "06:00"), day(3, 0), true},
		{"nocturna a mediodía", windowCampaign("UTC", "22:00", "06:00"), day(12, 0), false},
		{"ventana malformada no bloquea", windowCampaign("UTC", "9am", "5pm"), day(3, 0), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, withinDailyWindow(tc.campaign, tc.now))
		})
	}
}

func TestWithinDailyWindowUsesCampaignTimezone(t *testing.T) {
	c := windowCampaign("America/Mexico_City", "09:00", "17:00")

	// 14:00 UTC son las 08:00 en Ciudad de México: todavía cerrado
	assert.False(t, withinDailyWindow(c, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)))
	// 16:00 UTC son las 10:00: abierto
	assert.True(t, withinDailyWindow(c, time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)))
}

func TestWithinDailyWindowUnknownTimezoneFallsBackToUTC(t *testing.T) {
	c := windowCampaign("Marte/Olympus", "09:00", "17:00")
	assert.True(t, withinDailyWindow(c, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))
	assert.False(t, withinDailyWindow(c, time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)))
}
