package live

import (
	"reflect"
	"testing"
)

func item(p Platform, id string) Item { return Item{Platform: p, ChannelID: id, ChannelName: "n" + id} }

func keys(items []Item) []Key {
	out := make([]Key, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key())
	}
	return out
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name       string
		prev, next []Item
		joined     []Key
		left       []Key
	}{
		{"first sighting", nil, []Item{item(Twitch, "42")}, []Key{{Twitch, "42"}}, nil},
		{"unchanged", []Item{item(Twitch, "42")}, []Item{item(Twitch, "42")}, nil, nil},
		{"went offline", []Item{item(Twitch, "42")}, nil, nil, []Key{{Twitch, "42"}}},
		{
			"mixed",
			[]Item{item(Twitch, "1"), item(Twitch, "2")},
			[]Item{item(Twitch, "2"), item(Twitch, "3"), item(YouTube, "1")},
			[]Key{{Twitch, "3"}, {YouTube, "1"}},
			[]Key{{Twitch, "1"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Compute(NewSnapshot(tc.prev), NewSnapshot(tc.next))
			if got := keys(d.Joined); !(len(got) == 0 && len(tc.joined) == 0) && !reflect.DeepEqual(got, tc.joined) {
				t.Errorf("joined = %v, want %v", got, tc.joined)
			}
			if got := keys(d.Left); !(len(got) == 0 && len(tc.left) == 0) && !reflect.DeepEqual(got, tc.left) {
				t.Errorf("left = %v, want %v", got, tc.left)
			}
			for _, j := range d.Joined {
				for _, l := range d.Left {
					if j.Key() == l.Key() {
						t.Errorf("%v in both joined and left", j.Key())
					}
				}
			}
		})
	}
}

func TestComputeChangedFieldsIsNotATransition(t *testing.T) {
	a := item(Twitch, "42")
	b := a
	b.Title = "new title"
	b.ViewerCount = 900
	if d := Compute(NewSnapshot([]Item{a}), NewSnapshot([]Item{b})); !d.Empty() {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}
