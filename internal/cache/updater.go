package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Parameter describes one column of a collection's parsed resource
// tuple.
type Parameter struct {
	Column int
	Name   string
}

// ParameterUpdater pairs a parameter's own updater with whether the
// parameter aggregates: an aggregate parameter partitions the collection
// into one physical table per value, and its updater enumerates the
// possible values.
type ParameterUpdater struct {
	Updater    Updater
	Aggregator bool
}

// ParameterInfo supplies program-state values (parsed flags, properties)
// for parameters, and the updaters used to enumerate aggregate
// parameters. The zero value supplies nothing.
type ParameterInfo struct {
	Values           map[string]string
	AdditionalParams []string
	Updaters         map[string]ParameterUpdater
}

// GetValue returns the program-state value for a parameter, "" if
// unknown.
func (p *ParameterInfo) GetValue(name string) string {
	if p == nil {
		return ""
	}
	return p.Values[name]
}

// GetAdditionalParams returns parameter names associated with the
// resource but not present in the parsed tuple.
func (p *ParameterInfo) GetAdditionalParams() []string {
	if p == nil {
		return nil
	}
	return p.AdditionalParams
}

// GetUpdater returns the updater and aggregator flag for a parameter.
func (p *ParameterInfo) GetUpdater(name string) (Updater, bool, bool) {
	if p == nil {
		return nil, false, false
	}
	pu, ok := p.Updaters[name]
	return pu.Updater, pu.Aggregator, ok
}

// Updater produces the full row set for one cache table. Implementations
// typically issue a service List request scoped by the aggregation
// values.
type Updater interface {
	// Collection uniquely names the table (or table-name prefix, for
	// aggregated collections) this updater maintains.
	Collection() string

	// Columns is the width of the parsed resource tuple. Column is the
	// column a parent collection copies when this updater enumerates
	// one of its aggregate parameters.
	Columns() int
	Column() int

	Parameters() []Parameter
	Timeout() time.Duration

	Update(ctx context.Context, info *ParameterInfo, aggregations []*RuntimeParameter) ([][]string, error)
}

// RuntimeParameter is the mutable, per-Select shadow of a Parameter:
// its resolved value, its own updater and value table if it aggregates,
// and whether values must be generated for it.
type RuntimeParameter struct {
	Parameter
	Value      string
	Aggregator bool

	updater  Updater
	table    *Table
	generate bool
}

// Collection is a virtual cache table driven by an Updater. Select
// resolves parameters, enumerates aggregate values, and reads one
// physical table per aggregate value combination, refreshing expired
// tables through the updater with retry and circuit-breaker protection.
type Collection struct {
	cache    *Cache
	updater  Updater
	retry    RetryConfig
	breakers *BreakerRegistry
}

// NewCollection creates a collection for updater backed by cache.
// breakers may be shared across collections; nil creates a private
// registry.
func NewCollection(c *Cache, updater Updater, retry RetryConfig, breakers *BreakerRegistry) *Collection {
	if breakers == nil {
		breakers = NewBreakerRegistry()
	}
	return &Collection{cache: c, updater: updater, retry: retry, breakers: breakers}
}

// Select returns the rows matching template across every table in the
// collection. Template columns are matched as in Table.Select; a
// template shorter than the tuple width matches everything in the
// remaining columns.
func (c *Collection) Select(ctx context.Context, template []string, info *ParameterInfo) ([][]string, error) {
	tmpl := make([]string, c.updater.Columns())
	copy(tmpl, template)
	log.Printf("cache template=%v", tmpl)

	params, err := c.runtimeParameters(ctx, info)
	if err != nil {
		return nil, err
	}

	// values holds, per generated aggregate parameter, the set of
	// values to range over; the tables read are the cartesian product.
	var values [][]string
	var aggregations []*RuntimeParameter
	for _, p := range params {
		p.generate = false
		if p.Value != "" && (tmpl[p.Column] == "" || tmpl[p.Column] == "*") {
			tmpl[p.Column] = p.Value
			if p.Aggregator {
				aggregations = append(aggregations, p)
				p.generate = true
				values = append(values, []string{p.Value})
			}
		} else if p.Aggregator {
			aggregations = append(aggregations, p)
			p.generate = true

			subTemplate := make([]string, p.updater.Columns())
			subTemplate[p.updater.Column()] = tmpl[p.Column]
			rows, err := c.selectTable(ctx, p.updater, p.table, subTemplate, info, nil)
			if err != nil {
				return nil, err
			}
			v := make([]string, 0, len(rows))
			for _, row := range rows {
				v = append(v, row[p.updater.Column()])
			}
			log.Printf("cache parameter=%s column=%d values=%v aggregate=true", p.Name, p.Column, v)
			values = append(values, v)
		}
	}

	if len(values) == 0 {
		table, err := c.tableFor(ctx, nil)
		if err != nil {
			return nil, err
		}
		return c.selectTable(ctx, c.updater, table, tmpl, info, aggregations)
	}

	var out [][]string
	for _, perm := range product(values) {
		table, err := c.tableFor(ctx, perm)
		if err != nil {
			return nil, err
		}
		aggregations = aggregations[:0]
		next := 0
		for _, p := range params {
			if p.generate {
				tmpl[p.Column] = perm[next]
				p.Value = perm[next]
				next++
			}
			if p.Value != "" {
				aggregations = append(aggregations, p)
			}
		}
		rows, err := c.selectTable(ctx, c.updater, table, tmpl, info, aggregations)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// tableFor returns the physical table for one combination of aggregate
// values (nil for unaggregated collections).
func (c *Collection) tableFor(ctx context.Context, aggregateValues []string) (*Table, error) {
	name := strings.Join(append([]string{c.updater.Collection()}, aggregateValues...), ".")
	return c.cache.Table(ctx, name, c.updater.Columns(), c.updater.Columns(), c.updater.Timeout())
}

// selectTable reads template-matching rows from table, refreshing it via
// updater when expired.
func (c *Collection) selectTable(ctx context.Context, updater Updater, table *Table, template []string, info *ParameterInfo, aggregations []*RuntimeParameter) ([][]string, error) {
	rows, err := table.Select(ctx, template, false)
	if err == nil {
		return rows, nil
	}
	if !errors.Is(err, ErrTableExpired) {
		return nil, err
	}

	log.Printf("cache table=%s expired, refreshing", table.Name)
	fresh, err := updateWithRetry(ctx, updater, info, aggregations, c.breakers.Get(updater.Collection()), c.retry)
	if err != nil {
		return nil, fmt.Errorf("refreshing cache table %q: %w", table.Name, err)
	}
	if err := table.DeleteRows(ctx); err != nil {
		return nil, err
	}
	if err := table.AddRows(ctx, fresh); err != nil {
		return nil, err
	}
	if err := table.Validate(ctx); err != nil {
		return nil, err
	}
	return table.Select(ctx, template, true)
}

// runtimeParameters builds the mutable shadow of the updater's parameter
// list, instantiating value tables for aggregate parameters.
func (c *Collection) runtimeParameters(ctx context.Context, info *ParameterInfo) ([]*RuntimeParameter, error) {
	var params []*RuntimeParameter
	for _, parameter := range c.updater.Parameters() {
		updater, aggregator, ok := info.GetUpdater(parameter.Name)
		var table *Table
		if ok && updater != nil {
			var err error
			table, err = c.cache.Table(ctx, updater.Collection(), updater.Columns(), updater.Columns(), updater.Timeout())
			if err != nil {
				return nil, err
			}
		}
		params = append(params, &RuntimeParameter{
			Parameter:  parameter,
			Value:      info.GetValue(parameter.Name),
			Aggregator: aggregator,
			updater:    updater,
			table:      table,
		})
	}
	return params, nil
}

// product returns the cartesian product of the value sets, in order.
func product(values [][]string) [][]string {
	if len(values) == 0 {
		return nil
	}
	result := [][]string{{}}
	for _, set := range values {
		var next [][]string
		for _, prefix := range result {
			for _, v := range set {
				combined := make([]string, len(prefix), len(prefix)+1)
				copy(combined, prefix)
				next = append(next, append(combined, v))
			}
		}
		result = next
	}
	return result
}
