package meteo

import (
	"sort"
	"time"
)

// Record is a single canonical measurement row: one instant at one station for
// one forecast model (empty for observations), carrying a nullable value per
// variable. A record whose values are all nil is an explicit gap marker.
type Record struct {
	Datetime  time.Time
	StationID string
	Model     string
	Values    map[string]*float64
}

// Key identifies a record within a frame. (Datetime, StationID, Model) is
// unique at every pipeline stage.
type Key struct {
	Unix      int64
	StationID string
	Model     string
}

func (r Record) Key() Key {
	return Key{Unix: r.Datetime.Unix(), StationID: r.StationID, Model: r.Model}
}

// Frame is the in-memory working form the pipeline passes around: an ordered
// list of records plus the set of variable columns seen so far. The frame
// remembers the zone its index is expressed in; the underlying instants are
// absolute.
type Frame struct {
	Records  []Record
	Location *time.Location

	vars map[string]struct{}
}

func NewFrame(loc *time.Location) *Frame {
	if loc == nil {
		loc = time.UTC
	}
	return &Frame{Location: loc, vars: map[string]struct{}{}}
}

func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Records)
}

func (f *Frame) Empty() bool { return f.Len() == 0 }

// Append adds a record and folds its variables into the frame's column set.
func (f *Frame) Append(r Record) {
	r.Datetime = r.Datetime.In(f.Location)
	if r.Values == nil {
		r.Values = map[string]*float64{}
	}
	for v := range r.Values {
		f.vars[v] = struct{}{}
	}
	f.Records = append(f.Records, r)
}

// Variables returns the sorted column set of the frame.
func (f *Frame) Variables() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.vars))
	for v := range f.vars {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AddVariables widens the column set. Records keep their nil entries implicit;
// a missing key reads as NULL.
func (f *Frame) AddVariables(vars ...string) {
	for _, v := range vars {
		f.vars[v] = struct{}{}
	}
}

// Times returns the distinct instants present in the frame, ordered.
func (f *Frame) Times() []time.Time {
	seen := make(map[int64]time.Time, len(f.Records))
	for _, r := range f.Records {
		seen[r.Datetime.Unix()] = r.Datetime
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Sort orders records by (datetime, station, model).
func (f *Frame) Sort() {
	sort.SliceStable(f.Records, func(i, j int) bool {
		a, b := f.Records[i], f.Records[j]
		if !a.Datetime.Equal(b.Datetime) {
			return a.Datetime.Before(b.Datetime)
		}
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		return a.Model < b.Model
	})
}

// DedupLastWins drops duplicate keys keeping the record appended last.
func (f *Frame) DedupLastWins() {
	if f.Len() < 2 {
		return
	}
	idx := make(map[Key]int, len(f.Records))
	out := f.Records[:0]
	for _, r := range f.Records {
		k := r.Key()
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	f.Records = out
}

// ConvertZone re-expresses the frame index in the given zone without touching
// the underlying instants.
func (f *Frame) ConvertZone(loc *time.Location) {
	if loc == nil || f == nil {
		return
	}
	f.Location = loc
	for i := range f.Records {
		f.Records[i].Datetime = f.Records[i].Datetime.In(loc)
	}
}

// Merge combines f with other, the newer frame winning on key collisions. The
// result keeps f's zone and the union of both column sets, sorted by key, and
// is independent of the order either input was assembled in.
func (f *Frame) Merge(other *Frame) *Frame {
	out := NewFrame(f.Location)
	for _, r := range f.Records {
		out.Append(r)
	}
	if other != nil {
		for _, r := range other.Records {
			out.Append(r)
		}
	}
	out.DedupLastWins()
	out.Sort()
	return out
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := NewFrame(f.Location)
	for _, r := range f.Records {
		vals := make(map[string]*float64, len(r.Values))
		for k, v := range r.Values {
			if v == nil {
				vals[k] = nil
				continue
			}
			c := *v
			vals[k] = &c
		}
		out.Append(Record{Datetime: r.Datetime, StationID: r.StationID, Model: r.Model, Values: vals})
	}
	return out
}

// Float returns a pointer to v, for building nullable values.
func Float(v float64) *float64 { return &v }

// StationInfo is the metadata a provider reports for a station.
type StationInfo struct {
	Name      string
	Latitude  *float64
	Longitude *float64
	Elevation *float64
	Extra     map[string]string
}
