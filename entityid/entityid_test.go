package entityid

import "testing"

type stopID struct{ agency, id string }

func (s stopID) String() string { return s.agency + "_" + s.id }

func TestPrefixCodec(t *testing.T) {
	c := PrefixCodec{}

	cases := []struct {
		id, partition string
	}{
		{"1_75403", "1"},
		{"KCM_1_2", "KCM"}, // only the first separator counts
		{"ST_", "ST"},
	}
	for _, tc := range cases {
		got, err := c.PartitionKey(tc.id)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.id, err)
		}
		if got != tc.partition {
			t.Fatalf("%s: expect partition %s, got %s", tc.id, tc.partition, got)
		}
	}
}

func TestPrefixCodecRejectsMalformed(t *testing.T) {
	c := PrefixCodec{}
	for _, id := range []string{"75403", "_75403", ""} {
		if _, err := c.PartitionKey(id); err == nil {
			t.Fatalf("expect error for %q", id)
		}
	}
}

func TestCustomSeparator(t *testing.T) {
	c := PrefixCodec{Separator: ":"}
	id := c.Join("metro", "42")
	if id != "metro:42" {
		t.Fatalf("expect metro:42, got %s", id)
	}
	partition, local, err := c.Split(id)
	if err != nil {
		t.Fatal(err)
	}
	if partition != "metro" || local != "42" {
		t.Fatalf("expect metro/42, got %s/%s", partition, local)
	}
}

func TestString(t *testing.T) {
	if s, ok := String("1_2"); !ok || s != "1_2" {
		t.Fatalf("expect plain string, got %q %v", s, ok)
	}
	if s, ok := String(stopID{"1", "2"}); !ok || s != "1_2" {
		t.Fatalf("expect stringer, got %q %v", s, ok)
	}
	if _, ok := String(42); ok {
		t.Fatal("expect int to be rejected")
	}
	var nilPtr *string
	if _, ok := String(nilPtr); ok {
		t.Fatal("expect nil pointer to be rejected")
	}
	var nilStringer *stopID
	if _, ok := String(nilStringer); ok {
		t.Fatal("expect nil stringer pointer to be rejected")
	}
}

func TestPackageJoinSplit(t *testing.T) {
	id := Join("40", "100479")
	if id != "40_100479" {
		t.Fatalf("expect 40_100479, got %s", id)
	}
	partition, local, err := Split(id)
	if err != nil || partition != "40" || local != "100479" {
		t.Fatalf("expect 40/100479, got %s/%s %v", partition, local, err)
	}
}
