package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GoCodeAlone/fieldops/geofence"
)

func TestParseCoordinate(t *testing.T) {
	tests := []struct {
		in      string
		want    geofence.Coordinate
		wantErr bool
	}{
		{"52.52,13.405", geofence.Coordinate{Lat: 52.52, Lng: 13.405}, false},
		{" -33.86 , 151.2 ", geofence.Coordinate{Lat: -33.86, Lng: 151.2}, false},
		{"52.52", geofence.Coordinate{}, true},
		{"abc,1", geofence.Coordinate{}, true},
		{"91,0", geofence.Coordinate{Lat: 91}, true},
	}
	for _, tt := range tests {
		got, err := ParseCoordinate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCoordinate(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, geofence.ErrInvalidCoordinate) {
			t.Errorf("ParseCoordinate(%q) err = %v, want ErrInvalidCoordinate", tt.in, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCoordinate(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestRouteSource_ReplaysThenHolds(t *testing.T) {
	route, err := ReadRoute(strings.NewReader("# depot\n1,1\n\n2,2\n3,3\n"))
	if err != nil {
		t.Fatalf("ReadRoute: %v", err)
	}
	ctx := context.Background()
	var lats []float64
	for range 5 {
		c, err := route.Current(ctx)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		lats = append(lats, c.Lat)
	}
	want := []float64{1, 2, 3, 3, 3}
	for i := range want {
		if lats[i] != want[i] {
			t.Fatalf("lats = %v, want %v", lats, want)
		}
	}
}

func TestReadRoute_Errors(t *testing.T) {
	if _, err := ReadRoute(strings.NewReader("# nothing\n")); err == nil {
		t.Error("empty route accepted")
	}
	_, err := ReadRoute(strings.NewReader("1,1\nnope\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %v, want line 2 error", err)
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{Lat: 10, Lng: 20}
	c, err := src.Current(context.Background())
	if err != nil || c.Lat != 10 || c.Lng != 20 {
		t.Errorf("Current = %+v, %v", c, err)
	}
}
