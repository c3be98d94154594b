package geo

import "testing"

func TestNewBoundsNormalizesCorners(t *testing.T) {
	b := NewBounds(47.7, -122.2, 47.5, -122.4)
	want := Bounds{MinLat: 47.5, MinLon: -122.4, MaxLat: 47.7, MaxLon: -122.2}
	if b != want {
		t.Fatalf("expect %v, got %v", want, b)
	}
}

func TestIntersects(t *testing.T) {
	seattle := NewBounds(47.4, -122.5, 47.8, -122.1)

	cases := []struct {
		name string
		q    Bounds
		want bool
	}{
		{"inside", NewBounds(47.5, -122.4, 47.6, -122.3), true},
		{"overlapping edge", NewBounds(47.8, -122.1, 48.0, -121.9), true},
		{"disjoint", NewBounds(45.0, -123.0, 45.5, -122.5), false},
		{"enclosing", NewBounds(40, -130, 50, -110), true},
	}
	for _, tc := range cases {
		if got := seattle.Intersects(tc.q); got != tc.want {
			t.Fatalf("%s: expect %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestArea(t *testing.T) {
	area := Area{
		NewBounds(47.4, -122.5, 47.8, -122.1),
		NewBounds(45.4, -122.8, 45.6, -122.5),
	}
	if !area.Contains(Point{Lat: 45.5, Lon: -122.6}) {
		t.Fatal("expect area to contain point in second box")
	}
	if area.Contains(Point{Lat: 46.5, Lon: -122.6}) {
		t.Fatal("expect point between boxes to be outside")
	}
	if !area.Intersects(NewBounds(45.5, -122.6, 45.55, -122.55)) {
		t.Fatal("expect area to intersect query in second box")
	}
	var empty Area
	if empty.Intersects(NewBounds(0, 0, 1, 1)) || empty.Contains(Point{}) {
		t.Fatal("expect empty area to cover nothing")
	}
}
