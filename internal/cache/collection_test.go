package cache

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"
)

// fakeUpdater is a scripted Updater for collection tests.
type fakeUpdater struct {
	collection string
	columns    int
	column     int
	params     []Parameter
	timeout    time.Duration

	// update produces the rows for one refresh; calls counts every
	// invocation, failures fails the first N of them.
	update   func(aggregations []*RuntimeParameter) [][]string
	failures int
	calls    int
}

func (u *fakeUpdater) Collection() string      { return u.collection }
func (u *fakeUpdater) Columns() int            { return u.columns }
func (u *fakeUpdater) Column() int             { return u.column }
func (u *fakeUpdater) Parameters() []Parameter { return u.params }
func (u *fakeUpdater) Timeout() time.Duration  { return u.timeout }

func (u *fakeUpdater) Update(ctx context.Context, info *ParameterInfo, aggregations []*RuntimeParameter) ([][]string, error) {
	u.calls++
	if u.calls <= u.failures {
		return nil, errors.New("service unavailable")
	}
	if u.update == nil {
		return nil, nil
	}
	return u.update(aggregations), nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      1.0,
	}
}

func TestCollectionSelectRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	rows := [][]string{
		{"bucket-a", "us-east1"},
		{"bucket-b", "us-west1"},
	}
	updater := &fakeUpdater{
		collection: "buckets",
		columns:    2,
		timeout:    time.Hour,
		update:     func([]*RuntimeParameter) [][]string { return rows },
	}
	col := NewCollection(c, updater, fastRetry(), nil)

	got, err := col.Select(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("Select = %v, want %v", got, rows)
	}
	if updater.calls != 1 {
		t.Errorf("updater calls = %d, want 1", updater.calls)
	}

	// Fresh table: the second select is served from the cache.
	if _, err := col.Select(ctx, nil, nil); err != nil {
		t.Fatalf("second Select failed: %v", err)
	}
	if updater.calls != 1 {
		t.Errorf("updater calls = %d, want 1 (cache hit)", updater.calls)
	}
}

func TestCollectionSelectTemplateFilters(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	updater := &fakeUpdater{
		collection: "buckets",
		columns:    2,
		timeout:    time.Hour,
		update: func([]*RuntimeParameter) [][]string {
			return [][]string{
				{"bucket-a", "us-east1"},
				{"bucket-b", "us-west1"},
			}
		},
	}
	col := NewCollection(c, updater, fastRetry(), nil)

	got, err := col.Select(ctx, []string{"bucket-a"}, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	want := [][]string{{"bucket-a", "us-east1"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Select = %v, want %v", got, want)
	}
}

func TestCollectionSelectRefreshesExpiredTable(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	updater := &fakeUpdater{
		collection: "buckets",
		columns:    1,
		timeout:    time.Nanosecond,
		update:     func([]*RuntimeParameter) [][]string { return [][]string{{"bucket-a"}} },
	}
	col := NewCollection(c, updater, fastRetry(), nil)

	if _, err := col.Select(ctx, nil, nil); err != nil {
		t.Fatalf("first Select failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := col.Select(ctx, nil, nil); err != nil {
		t.Fatalf("second Select failed: %v", err)
	}
	if updater.calls != 2 {
		t.Errorf("updater calls = %d, want 2 (TTL elapsed between selects)", updater.calls)
	}
}

// TestCollectionAggregatedSelect exercises the aggregate-parameter path:
// the zone parameter partitions the instances collection into one table
// per zone, and the zones sub-updater enumerates the zones to read.
func TestCollectionAggregatedSelect(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	zones := &fakeUpdater{
		collection: "zones",
		columns:    1,
		column:     0,
		timeout:    time.Hour,
		update: func([]*RuntimeParameter) [][]string {
			return [][]string{{"us-east1-a"}, {"us-east1-b"}}
		},
	}
	instances := &fakeUpdater{
		collection: "instances",
		columns:    2,
		timeout:    time.Hour,
		params:     []Parameter{{Column: 0, Name: "zone"}},
	}
	instances.update = func(aggregations []*RuntimeParameter) [][]string {
		for _, p := range aggregations {
			if p.Name == "zone" {
				return [][]string{{p.Value, "vm-" + p.Value}}
			}
		}
		return nil
	}

	info := &ParameterInfo{
		Updaters: map[string]ParameterUpdater{
			"zone": {Updater: zones, Aggregator: true},
		},
	}
	col := NewCollection(c, instances, fastRetry(), nil)

	got, err := col.Select(ctx, nil, info)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	want := [][]string{
		{"us-east1-a", "vm-us-east1-a"},
		{"us-east1-b", "vm-us-east1-b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Select = %v, want %v", got, want)
	}
	if zones.calls != 1 {
		t.Errorf("zone enumeration calls = %d, want 1", zones.calls)
	}
	if instances.calls != 2 {
		t.Errorf("instance refresh calls = %d, want 2 (one per zone)", instances.calls)
	}

	names, err := c.TableNames(ctx)
	if err != nil {
		t.Fatalf("TableNames failed: %v", err)
	}
	sort.Strings(names)
	wantNames := []string{"instances.us-east1-a", "instances.us-east1-b", "zones"}
	if !reflect.DeepEqual(names, wantNames) {
		t.Errorf("TableNames = %v, want %v", names, wantNames)
	}
}

func TestCollectionAggregatedSelectWithFixedValue(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	zones := &fakeUpdater{
		collection: "zones",
		columns:    1,
		timeout:    time.Hour,
		update: func([]*RuntimeParameter) [][]string {
			return [][]string{{"us-east1-a"}, {"us-east1-b"}}
		},
	}
	instances := &fakeUpdater{
		collection: "instances",
		columns:    2,
		timeout:    time.Hour,
		params:     []Parameter{{Column: 0, Name: "zone"}},
		update: func([]*RuntimeParameter) [][]string {
			return [][]string{{"us-east1-a", "vm-1"}}
		},
	}

	// A configured zone value pins the aggregation to one table; the
	// zones sub-updater is never consulted.
	info := &ParameterInfo{
		Values: map[string]string{"zone": "us-east1-a"},
		Updaters: map[string]ParameterUpdater{
			"zone": {Updater: zones, Aggregator: true},
		},
	}
	col := NewCollection(c, instances, fastRetry(), nil)

	got, err := col.Select(ctx, nil, info)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	want := [][]string{{"us-east1-a", "vm-1"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Select = %v, want %v", got, want)
	}
	if zones.calls != 0 {
		t.Errorf("zone enumeration calls = %d, want 0", zones.calls)
	}
	if instances.calls != 1 {
		t.Errorf("instance refresh calls = %d, want 1", instances.calls)
	}
}

func TestCollectionRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	updater := &fakeUpdater{
		collection: "buckets",
		columns:    1,
		timeout:    time.Hour,
		failures:   2,
		update:     func([]*RuntimeParameter) [][]string { return [][]string{{"bucket-a"}} },
	}
	col := NewCollection(c, updater, fastRetry(), nil)

	got, err := col.Select(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Select failed after retries: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Select = %v, want one row", got)
	}
	if updater.calls != 3 {
		t.Errorf("updater calls = %d, want 3 (two failures then success)", updater.calls)
	}
}

func TestCollectionBreakerStopsRetryStorm(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	updater := &fakeUpdater{
		collection: "buckets",
		columns:    1,
		timeout:    time.Hour,
		failures:   1 << 30, // never succeeds
	}
	col := NewCollection(c, updater, fastRetry(), nil)

	if _, err := col.Select(ctx, nil, nil); err == nil {
		t.Fatal("Select should fail when the updater never recovers")
	}
	// Five consecutive failures open the circuit; further attempts are
	// rejected without reaching the updater.
	if updater.calls != 5 {
		t.Errorf("updater calls = %d, want 5 (breaker opens)", updater.calls)
	}
}

func TestProduct(t *testing.T) {
	tests := []struct {
		name string
		in   [][]string
		want [][]string
	}{
		{"empty", nil, nil},
		{"single set", [][]string{{"a", "b"}}, [][]string{{"a"}, {"b"}}},
		{
			"two sets",
			[][]string{{"a", "b"}, {"1", "2"}},
			[][]string{{"a", "1"}, {"a", "2"}, {"b", "1"}, {"b", "2"}},
		},
		{"set with empty member", [][]string{{"a"}, {}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := product(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("product(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
