package repository

import (
	"context"
	"fmt"
	"math"

	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	tableRuns     = "chain_executions"
	tableBatches  = "batch_executions"
	tableTaskLogs = "task_logs"
)

// textSize makes string columns TEXT on Postgres instead of a bounded varchar.
const textSize = math.MaxInt32

func uuidColumn(name string, nullable bool) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeUUID, Nullable: nullable}
}

func intColumn(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeInt, Default: 0}
}

func textColumn(name string, nullable bool) *schema.Column {
	c := &schema.Column{Name: name, Type: field.TypeString, Size: textSize, Nullable: nullable}
	if !nullable {
		c.Default = ""
	}
	return c
}

func statusColumn(name string) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeString, Size: 32}
}

func timeColumn(name string, nullable bool) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeTime, Nullable: nullable}
}

func jsonColumn(name string, nullable bool) *schema.Column {
	return &schema.Column{Name: name, Type: field.TypeJSON, Nullable: nullable}
}

// ledgerTables describes the ledger schema the way ent's generated migrate package
// does. Atlas mutates the tables while planning, so every call builds a fresh set.
func ledgerTables() []*schema.Table {
	batchColumns := []*schema.Column{
		uuidColumn("batch_id", false),
		intColumn("total_items"),
		intColumn("completed_items"),
		intColumn("failed_items"),
		statusColumn("status"),
		textColumn("initiated_by", false),
		timeColumn("created_at", false),
		timeColumn("finished_at", true),
	}
	batches := &schema.Table{
		Name:       tableBatches,
		Columns:    batchColumns,
		PrimaryKey: []*schema.Column{batchColumns[0]},
	}

	runColumns := []*schema.Column{
		uuidColumn("run_id", false),
		uuidColumn("batch_id", true),
		intColumn("total_stages"),
		intColumn("completed_stages"),
		intColumn("failed_stages"),
		statusColumn("status"),
		timeColumn("started_at", true),
		timeColumn("finished_at", true),
		textColumn("initiated_by", false),
		textColumn("input_summary", false),
		jsonColumn("final_result", true),
		textColumn("error_kind", true),
		textColumn("error_stage", true),
		textColumn("error_message", true),
		jsonColumn("options", false),
		jsonColumn("stage_outputs", false),
		timeColumn("created_at", false),
		timeColumn("updated_at", false),
	}
	runs := &schema.Table{
		Name:       tableRuns,
		Columns:    runColumns,
		PrimaryKey: []*schema.Column{runColumns[0]},
		ForeignKeys: []*schema.ForeignKey{{
			Symbol:     "chain_executions_batch_fk",
			Columns:    []*schema.Column{runColumns[1]},
			RefTable:   batches,
			RefColumns: []*schema.Column{batchColumns[0]},
			OnDelete:   schema.NoAction,
		}},
		Indexes: []*schema.Index{
			{Name: "chain_executions_batch_idx", Columns: []*schema.Column{runColumns[1]}},
			{Name: "chain_executions_open_idx", Columns: []*schema.Column{runColumns[5], runColumns[7]}},
		},
	}

	logColumns := []*schema.Column{
		uuidColumn("run_id", false),
		{Name: "stage", Type: field.TypeString, Size: 64},
		{Name: "attempt", Type: field.TypeInt},
		timeColumn("started_at", false),
		timeColumn("finished_at", false),
		statusColumn("outcome"),
		intColumn("retry_count"),
		intColumn("input_bytes"),
		intColumn("output_bytes"),
		textColumn("error_message", true),
	}
	logs := &schema.Table{
		Name:       tableTaskLogs,
		Columns:    logColumns,
		PrimaryKey: logColumns[:3],
		ForeignKeys: []*schema.ForeignKey{{
			Symbol:     "task_logs_run_fk",
			Columns:    []*schema.Column{logColumns[0]},
			RefTable:   runs,
			RefColumns: []*schema.Column{runColumns[0]},
			OnDelete:   schema.NoAction,
		}},
	}
	return []*schema.Table{batches, runs, logs}
}

// Migrate creates the ledger tables, or adds what is missing to existing ones.
func Migrate(ctx context.Context, drv *entsql.Driver) error {
	m, err := schema.NewMigrate(drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Create(ctx, ledgerTables()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
