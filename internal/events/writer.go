package events

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Writer appends activity-log entries. Append runs inside the caller's
// transaction so the audit record commits atomically with the state change
// it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, missionID, actor, message, level string) error {
	if level == "" {
		level = "info"
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_log(mission_id,actor,message,level,ts) VALUES (?,?,?,?,?)`,
		nullable(missionID), actor, message, level, ts)
	return err
}

// Record is the fire-and-forget variant used for telemetry side effects such
// as denied moves. It writes outside any transaction from a detached
// goroutine; failures are logged and never propagated, so a telemetry outage
// cannot fail or delay the primary operation.
func (w Writer) Record(missionID, actor, message, level string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if level == "" {
			level = "info"
		}
		ts := w.now().UTC().Format(time.RFC3339)
		if _, err := w.DB.ExecContext(ctx, `INSERT INTO activity_log(mission_id,actor,message,level,ts) VALUES (?,?,?,?,?)`,
			nullable(missionID), actor, message, level, ts); err != nil {
			log.Printf("activity: record failed: %v", err)
		}
	}()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
