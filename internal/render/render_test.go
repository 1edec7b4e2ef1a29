package render

import (
	"strings"
	"testing"
	"time"

	"fleetbot/internal/feed"
)

func TestLocationUpdateEscapesRecordText(t *testing.T) {
	t.Parallel()
	r := New(time.UTC)

	msg := r.LocationUpdate(feed.Record{
		ResourceKey: "VIN1",
		DriverName:  "A <script> & co",
		Status:      "Driving",
		Location:    "Chicago <b>, IL",
	})
	if strings.Contains(msg, "<script>") {
		t.Fatalf("record text not escaped: %q", msg)
	}
	if !strings.Contains(msg, "A &lt;script&gt; &amp; co") {
		t.Fatalf("expected escaped driver name in %q", msg)
	}
	if !strings.Contains(msg, "Chicago &lt;b&gt;, IL") {
		t.Fatalf("expected escaped location in %q", msg)
	}
}

func TestLocationUpdateFallbacks(t *testing.T) {
	t.Parallel()
	r := New(time.UTC)

	msg := r.LocationUpdate(feed.Record{ResourceKey: "VIN1"})
	for _, want := range []string{"Unknown Driver", "Location Unavailable", "Updated:</b> Unknown"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
	if strings.Contains(msg, "maps.google.com") {
		t.Fatalf("map link rendered without coordinates: %q", msg)
	}
}

func TestLocationUpdateRendersMapLinkAndLocalTime(t *testing.T) {
	t.Parallel()
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	r := New(chicago)

	msg := r.LocationUpdate(feed.Record{
		ResourceKey: "VIN1",
		Lat:         41.878,
		Lon:         -87.629,
		SpeedMPH:    62.4,
		UpdatedAt:   time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	})
	if !strings.Contains(msg, "maps.google.com/?q=41.878000,-87.629000") {
		t.Fatalf("expected map link in %q", msg)
	}
	if !strings.Contains(msg, "62 mph") {
		t.Fatalf("expected rounded speed in %q", msg)
	}
	// 18:00 UTC is noon in Chicago in March (CST).
	if !strings.Contains(msg, "2026-03-01 12:00:00 CST") {
		t.Fatalf("expected local timestamp in %q", msg)
	}
}
