package jobdb

import (
	"context"
	"fmt"
)

// AddDependency records that child may not start until parent has
// completed.
func (d *DB) AddDependency(ctx context.Context, child, parent string) error {
	if child == parent {
		return fmt.Errorf("job %s cannot depend on itself", child)
	}
	if _, err := d.exec(ctx, "INSERT INTO dependencies (child, parent) VALUES (?, ?)", child, parent); err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", child, parent, err)
	}
	return nil
}

// Parents returns every job child depends on.
func (d *DB) Parents(ctx context.Context, child string) ([]string, error) {
	rows, err := d.query(ctx, "SELECT parent FROM dependencies WHERE child = ? ORDER BY parent", child)
	if err != nil {
		return nil, fmt.Errorf("query parents of %s: %w", child, err)
	}
	return firstColumnStrings(rows), nil
}

// UnmetDependencies returns the parents of child that exist and have not yet
// reached COMPLETED, ARCHIVED or EXPIRED. Edges to deleted jobs are
// considered satisfied.
func (d *DB) UnmetDependencies(ctx context.Context, child string) ([]string, error) {
	rows, err := d.query(ctx,
		"SELECT d.parent FROM dependencies d JOIN jobs j ON j.`name` = d.parent "+
			"WHERE d.child = ? AND j.`state` NOT IN ('COMPLETED', 'ARCHIVED', 'EXPIRED') "+
			"ORDER BY d.parent",
		child)
	if err != nil {
		return nil, fmt.Errorf("query unmet dependencies of %s: %w", child, err)
	}
	return firstColumnStrings(rows), nil
}
