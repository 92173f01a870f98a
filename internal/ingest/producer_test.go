package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestLocationMessageIsKeyedByDriver(t *testing.T) {
	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := models.DriverPresence{DriverID: "d1", ZoneID: "tdr1y4", Lat: 12.9, Lon: 77.6, Heading: 90, OnDuty: true, LastSeenAt: seen}
	msg, err := locationMessage(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "d1" || !msg.Time.Equal(seen) {
		t.Fatalf("unexpected message %+v", msg)
	}
	out, err := DecodeLocation(msg.Value)
	if err != nil {
		t.Fatal(err)
	}
	if out.DriverID != "d1" || out.Lat != 12.9 || !out.OnDuty || !out.LastSeenAt.Equal(seen) {
		t.Fatalf("decoded %+v", out)
	}
}

func TestRideMessageCarriesStatusHeader(t *testing.T) {
	msg, err := rideMessage(models.RideEvent{RideID: "r1", From: models.StatusSearching, To: models.StatusStart, RiderID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "r1" || len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "START" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(string(msg.Value), `"from":"SEARCHING_FOR_RIDER"`) {
		t.Fatalf("payload %s", msg.Value)
	}
}

func TestDecodeLocationRejectsGarbage(t *testing.T) {
	if _, err := DecodeLocation([]byte("{")); err == nil {
		t.Fatal("expected json error")
	}
	if _, err := DecodeLocation([]byte(`{"lat":1}`)); err == nil {
		t.Fatal("expected missing driver error")
	}
}
