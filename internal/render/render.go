// Package render builds the HTML-formatted recipient messages.
// Rendering is pure: no I/O, no clock reads beyond the record itself.
package render

import (
	"fmt"
	"html"
	"strings"
	"time"

	"fleetbot/internal/feed"
)

// Renderer formats location updates in the timezone operators read them in.
type Renderer struct {
	loc *time.Location
}

func New(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// LocationUpdate renders one vehicle record as a Telegram HTML message.
// All record-sourced text is escaped; the map link is attached only when
// coordinates are present.
func (r *Renderer) LocationUpdate(rec feed.Record) string {
	driver := html.EscapeString(fallback(rec.DriverName, "Unknown Driver"))
	status := html.EscapeString(fallback(rec.Status, "Unknown"))
	location := html.EscapeString(fallback(rec.Location, "Location Unavailable"))

	timeStr := "Unknown"
	if !rec.UpdatedAt.IsZero() {
		local := rec.UpdatedAt.In(r.loc)
		timeStr = local.Format("2006-01-02 15:04:05 MST")
	}

	var b strings.Builder
	b.WriteString("🚛 <b>Location Update</b>\n\n")
	fmt.Fprintf(&b, "👤 <b>Driver:</b> %s\n", driver)
	fmt.Fprintf(&b, "🛑 <b>Status:</b> %s\n", status)
	fmt.Fprintf(&b, "📍 <b>Location:</b> %s\n", location)
	fmt.Fprintf(&b, "🏃 <b>Speed:</b> %.0f mph\n", rec.SpeedMPH)
	fmt.Fprintf(&b, "📡 <b>Updated:</b> %s", timeStr)

	if rec.Lat != 0 || rec.Lon != 0 {
		fmt.Fprintf(&b, "\n\n🗺️ <a href='https://maps.google.com/?q=%f,%f'>View on Map</a>", rec.Lat, rec.Lon)
	}
	return b.String()
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
