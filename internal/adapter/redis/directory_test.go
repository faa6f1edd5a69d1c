package redis

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/dispatch"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

func TestDecodeSubscribers(t *testing.T) {
	vals := []string{
		`{"id":"ops","channels":["webhook"]}`,
		`{"id":"kochi","channels":["sms"],"hazards":["flood"],"location":{"lat":9.93,"lon":76.26},"radius_km":25}`,
		`not json`,
		`{"channels":["sms"]}`,
	}

	subs, bad := decodeSubscribers(vals)

	assert.Equal(t, 2, bad)
	want := []dispatch.Subscriber{
		{ID: "ops", Channels: []string{"webhook"}},
		{ID: "kochi", Channels: []string{"sms"}, Hazards: []domain.HazardType{domain.HazardFlood}, Location: domain.Geo{Lat: 9.93, Lon: 76.26}, RadiusKm: 25},
	}
	if diff := cmp.Diff(want, subs); diff != "" {
		t.Errorf("subscribers mismatch (-want +got):\n%s", diff)
	}
}

func TestCovering(t *testing.T) {
	subs := []dispatch.Subscriber{
		{ID: "ops"},
		{ID: "kochi", Hazards: []domain.HazardType{domain.HazardFlood}, Location: domain.Geo{Lat: 9.93, Lon: 76.26}, RadiusKm: 25},
		{ID: "mumbai", Location: domain.Geo{Lat: 18.94, Lon: 72.84}, RadiusKm: 30},
	}
	area := dispatch.Area{Center: domain.Geo{Lat: 9.95, Lon: 76.27}, RadiusKm: 3}

	var ids []string
	for _, s := range covering(subs, domain.HazardFlood, area) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"ops", "kochi"}, ids)

	ids = nil
	for _, s := range covering(subs, domain.HazardOilSpill, area) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"ops"}, ids)
}
